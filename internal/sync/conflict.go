package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/turzo891/erpsync/internal/frappe"
)

// handleConflict persists a conflict record with full snapshots of both
// sides, then applies the configured policy. Automatic policies pick a
// winner and run the normal transfer; the conflict is marked resolved only
// after that transfer succeeds. The manual policy leaves the conflict open
// for operator review.
func (e *Engine) handleConflict(ctx context.Context, doctype, docname string, cloudDoc, localDoc frappe.Document, record *SyncRecord) syncOutcome {
	cloudJSON, err := json.Marshal(cloudDoc)
	if err != nil {
		return syncOutcome{
			message:   fmt.Sprintf("encoding cloud snapshot failed: %v", err),
			status:    StatusError,
			direction: DirectionConflict,
		}
	}

	localJSON, err := json.Marshal(localDoc)
	if err != nil {
		return syncOutcome{
			message:   fmt.Sprintf("encoding local snapshot failed: %v", err),
			status:    StatusError,
			direction: DirectionConflict,
		}
	}

	conflict := &ConflictRecord{
		Doctype:       doctype,
		Docname:       docname,
		CloudData:     string(cloudJSON),
		LocalData:     string(localJSON),
		CloudModified: parseModified(cloudDoc),
		LocalModified: parseModified(localDoc),
	}

	conflictID, err := e.store.RecordConflict(ctx, conflict)
	if err != nil {
		return syncOutcome{
			message:   fmt.Sprintf("recording conflict failed: %v", err),
			status:    StatusError,
			direction: DirectionConflict,
		}
	}

	e.logger.Warn("conflict detected",
		slog.String("doctype", doctype),
		slog.String("docname", docname),
		slog.String("policy", string(e.policy)),
		slog.Int64("conflict_id", conflictID),
	)

	var (
		winner     Direction
		resolution string
	)

	switch e.policy {
	case PolicyLatestTimestamp:
		// Missing timestamps sort oldest, so a side that still carries a
		// parseable modified value wins. A tie keeps the local copy.
		if modifiedOrMin(cloudDoc) > modifiedOrMin(localDoc) {
			winner = DirectionCloudToLocal
			resolution = "cloud_wins (latest)"
		} else {
			winner = DirectionLocalToCloud
			resolution = "local_wins (latest)"
		}

	case PolicyCloudWins:
		winner = DirectionCloudToLocal
		resolution = "cloud_wins"

	case PolicyLocalWins:
		winner = DirectionLocalToCloud
		resolution = "local_wins"

	case PolicyManual:
		return syncOutcome{
			message:   "conflict detected - manual resolution required",
			status:    StatusConflict,
			direction: DirectionConflict,
		}

	default:
		return syncOutcome{
			message:   fmt.Sprintf("unknown conflict policy: %s", e.policy),
			status:    StatusError,
			direction: DirectionConflict,
		}
	}

	out := e.transfer(ctx, doctype, docname, cloudDoc, localDoc, winner, record)
	if !out.ok {
		// Transfer failed; the conflict stays unresolved for the next attempt.
		return out
	}

	if err := e.store.MarkConflictResolved(ctx, conflictID, resolution); err != nil {
		e.logger.Error("marking conflict resolved failed",
			slog.Int64("conflict_id", conflictID),
			slog.String("error", err.Error()),
		)
	}

	out.message = fmt.Sprintf("conflict resolved (%s): %s", resolution, out.message)

	return out
}
