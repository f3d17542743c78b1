package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/turzo891/erpsync/internal/frappe"
)

// sanitizeExclusions are the keys stripped from a document before it is
// written to the other side. The receiver assigns these itself; transmitting
// them would either be rejected or overwrite the target's own provenance.
var sanitizeExclusions = []string{
	"name", "owner", "modified_by", "creation", "modified", "docstatus",
	"_user_tags", "_comments", "_assign", "_liked_by",
}

// EngineConfig holds the options for NewEngine.
type EngineConfig struct {
	Cloud          DocumentClient
	Local          DocumentClient
	Store          Store
	Doctypes       []string       // doctype names the sweeper iterates
	ExcludeFields  []string       // extra fields excluded from sanitize and fingerprint
	ConflictPolicy ConflictPolicy // defaults to latest_timestamp
	Logger         *slog.Logger
}

// Engine orchestrates per-document synchronization: claim, fetch both sides,
// resolve direction, execute the transfer, release the record, and append
// one audit row. Safe for concurrent use across distinct documents; the
// store's claim flag serializes work on the same document.
type Engine struct {
	cloud         DocumentClient
	local         DocumentClient
	store         Store
	doctypes      []string
	excludeFields []string
	policy        ConflictPolicy
	logger        *slog.Logger
}

// NewEngine creates an Engine from the given configuration.
func NewEngine(cfg *EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy := cfg.ConflictPolicy
	if policy == "" {
		policy = PolicyLatestTimestamp
	}

	return &Engine{
		cloud:         cfg.Cloud,
		local:         cfg.Local,
		store:         cfg.Store,
		doctypes:      cfg.Doctypes,
		excludeFields: cfg.ExcludeFields,
		policy:        policy,
		logger:        logger,
	}
}

// syncOutcome is the internal result of one sync attempt, carried from the
// transfer code back to the release/log shim.
type syncOutcome struct {
	ok        bool
	message   string
	status    SyncStatus
	direction Direction
}

// SyncDocument synchronizes one document. direction is DirectionAuto to let
// the resolver decide, or a pinned direction (webhook-driven work pins the
// direction of its source side). Returns (ok, human-readable message).
//
// The claim taken at entry is released on every exit path; the outcome is
// recorded in the sync record and appended to the audit log.
func (e *Engine) SyncDocument(ctx context.Context, doctype, docname string, direction Direction) (bool, string) {
	record, err := e.store.Claim(ctx, doctype, docname)
	if errors.Is(err, ErrBusy) {
		return false, "document is already being synced"
	}

	if err != nil {
		e.logger.Error("claim failed",
			slog.String("doctype", doctype),
			slog.String("docname", docname),
			slog.String("error", err.Error()),
		)

		return false, fmt.Sprintf("claim failed: %v", err)
	}

	outcome := e.runSync(ctx, doctype, docname, direction, record)
	e.finish(ctx, doctype, docname, record, outcome)

	return outcome.ok, outcome.message
}

// runSync fetches both sides, resolves the direction, and executes the
// transfer. All errors are folded into the returned outcome.
func (e *Engine) runSync(ctx context.Context, doctype, docname string, direction Direction, record *SyncRecord) syncOutcome {
	var cloudDoc, localDoc frappe.Document

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		cloudDoc, err = e.cloud.GetDoc(gctx, doctype, docname)
		return err
	})

	g.Go(func() error {
		var err error
		localDoc, err = e.local.GetDoc(gctx, doctype, docname)
		return err
	})

	if err := g.Wait(); err != nil {
		return syncOutcome{
			message:   fmt.Sprintf("fetch failed: %v", err),
			status:    StatusError,
			direction: direction,
		}
	}

	if direction == DirectionAuto || direction == "" {
		direction = ResolveDirection(cloudDoc, localDoc, record, e.excludeFields)
	}

	e.logger.Debug("direction resolved",
		slog.String("doctype", doctype),
		slog.String("docname", docname),
		slog.String("direction", string(direction)),
	)

	return e.execute(ctx, doctype, docname, cloudDoc, localDoc, direction, record)
}

// execute dispatches on direction.
func (e *Engine) execute(ctx context.Context, doctype, docname string, cloudDoc, localDoc frappe.Document, direction Direction, record *SyncRecord) syncOutcome {
	switch direction {
	case DirectionNone:
		// Both sides may hold identical content the record has not seen yet
		// (fresh record, equal fingerprints). Record the synced state without
		// transferring anything.
		if cloudDoc != nil && localDoc != nil {
			record.SyncHashCloud = frappe.Fingerprint(cloudDoc, e.excludeFields)
			record.SyncHashLocal = frappe.Fingerprint(localDoc, e.excludeFields)
			record.CloudModified = parseModified(cloudDoc)
			record.LocalModified = parseModified(localDoc)
		}

		return syncOutcome{ok: true, message: "no changes to sync", status: StatusSynced, direction: DirectionNone}

	case DirectionConflict:
		return e.handleConflict(ctx, doctype, docname, cloudDoc, localDoc, record)

	case DirectionCloudToLocal, DirectionLocalToCloud:
		return e.transfer(ctx, doctype, docname, cloudDoc, localDoc, direction, record)

	default:
		return syncOutcome{
			message:   fmt.Sprintf("unknown sync direction: %s", direction),
			status:    StatusError,
			direction: direction,
		}
	}
}

// transfer moves one document in the given direction: delete propagation
// when the source side no longer holds it, update when the target holds it,
// create otherwise. On success the record's fingerprints and modified
// timestamps are set from the post-transfer content.
func (e *Engine) transfer(ctx context.Context, doctype, docname string, cloudDoc, localDoc frappe.Document, direction Direction, record *SyncRecord) syncOutcome {
	srcDoc, dstDoc := cloudDoc, localDoc
	dst := e.local
	srcName, dstName := "cloud", "local"

	if direction == DirectionLocalToCloud {
		srcDoc, dstDoc = localDoc, cloudDoc
		dst = e.cloud
		srcName, dstName = "local", "cloud"
	}

	// Source side no longer holds the document: propagate the delete.
	if srcDoc == nil {
		if dstDoc == nil {
			// Tombstone on both sides; nothing to do.
			return syncOutcome{ok: true, message: "no changes to sync", status: StatusSynced, direction: direction}
		}

		if err := dst.DeleteDoc(ctx, doctype, docname); err != nil {
			return syncOutcome{
				message:   fmt.Sprintf("delete on %s failed: %v", dstName, err),
				status:    StatusError,
				direction: direction,
			}
		}

		return syncOutcome{
			ok:        true,
			message:   fmt.Sprintf("deleted from %s (deleted on %s)", dstName, srcName),
			status:    StatusSynced,
			direction: direction,
		}
	}

	clean := sanitizeDoc(srcDoc, e.excludeFields)

	var (
		verb string
		err  error
	)

	if dstDoc != nil {
		verb = "updated"
		_, err = dst.UpdateDoc(ctx, doctype, docname, clean, true)
	} else {
		verb = "created"
		_, err = dst.CreateDoc(ctx, doctype, clean)
	}

	if err != nil {
		return syncOutcome{
			message:   fmt.Sprintf("%s on %s failed: %v", verb, dstName, err),
			status:    StatusError,
			direction: direction,
		}
	}

	srcHash := frappe.Fingerprint(srcDoc, e.excludeFields)
	cleanHash := frappe.Fingerprint(clean, e.excludeFields)
	now := Int64Ptr(NowNano())

	if direction == DirectionCloudToLocal {
		record.SyncHashCloud = srcHash
		record.SyncHashLocal = cleanHash
		record.CloudModified = parseModified(srcDoc)
		record.LocalModified = now
	} else {
		record.SyncHashLocal = srcHash
		record.SyncHashCloud = cleanHash
		record.LocalModified = parseModified(srcDoc)
		record.CloudModified = now
	}

	return syncOutcome{
		ok:        true,
		message:   fmt.Sprintf("%s on %s from %s", verb, dstName, srcName),
		status:    StatusSynced,
		direction: direction,
	}
}

// finish applies the outcome to the record, releases the claim, and appends
// the audit row. Runs on every exit path of SyncDocument after a successful
// claim.
func (e *Engine) finish(ctx context.Context, doctype, docname string, record *SyncRecord, outcome syncOutcome) {
	record.LastSynced = Int64Ptr(NowNano())

	switch outcome.status {
	case StatusSynced:
		record.SyncStatus = StatusSynced
		record.ErrorMessage = ""
		record.RetryCount = 0
	case StatusConflict:
		record.SyncStatus = StatusConflict
		record.ErrorMessage = outcome.message
	default:
		record.SyncStatus = StatusError
		record.ErrorMessage = outcome.message
		record.RetryCount++
	}

	if err := e.store.Release(ctx, record); err != nil {
		e.logger.Error("release failed",
			slog.String("doctype", doctype),
			slog.String("docname", docname),
			slog.String("error", err.Error()),
		)
	}

	logStatus := "success"

	switch {
	case outcome.status == StatusConflict:
		logStatus = "conflict"
	case !outcome.ok:
		logStatus = "failed"
	}

	entry := &LogEntry{
		Doctype:   doctype,
		Docname:   docname,
		Action:    "sync",
		Direction: outcome.direction,
		Status:    logStatus,
		Message:   outcome.message,
	}

	if err := e.store.LogSync(ctx, entry); err != nil {
		e.logger.Error("audit log write failed",
			slog.String("doctype", doctype),
			slog.String("docname", docname),
			slog.String("error", err.Error()),
		)
	}
}

// sanitizeDoc returns a shallow copy of doc with the system fields and any
// configured exclude fields removed.
func sanitizeDoc(doc frappe.Document, excludeFields []string) frappe.Document {
	excluded := make(map[string]bool, len(sanitizeExclusions)+len(excludeFields))
	for _, f := range sanitizeExclusions {
		excluded[f] = true
	}

	for _, f := range excludeFields {
		excluded[f] = true
	}

	clean := make(frappe.Document, len(doc))

	for k, v := range doc {
		if !excluded[k] {
			clean[k] = v
		}
	}

	return clean
}
