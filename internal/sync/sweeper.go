package sync

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/turzo891/erpsync/internal/frappe"
)

// SweepStats counts the outcomes of a sweep run.
type SweepStats struct {
	Total     int
	Success   int
	Skipped   int
	Conflicts int
	Failed    int
}

func (s *SweepStats) add(other SweepStats) {
	s.Total += other.Total
	s.Success += other.Success
	s.Skipped += other.Skipped
	s.Conflicts += other.Conflicts
	s.Failed += other.Failed
}

// SyncDoctype performs a full reconciliation sweep over one doctype: list
// document names from both sides, union them, and run a resolver-driven sync
// for each. limit caps how many names each side contributes; zero means the
// client default page size.
func (e *Engine) SyncDoctype(ctx context.Context, doctype string, limit int) SweepStats {
	runID := uuid.NewString()

	e.logger.Info("sweep started",
		slog.String("run_id", runID),
		slog.String("doctype", doctype),
	)

	names, err := e.listBothSides(ctx, doctype, limit)
	if err != nil {
		e.logger.Error("sweep listing failed",
			slog.String("run_id", runID),
			slog.String("doctype", doctype),
			slog.String("error", err.Error()),
		)

		return SweepStats{}
	}

	var stats SweepStats

	for _, docname := range names {
		if ctx.Err() != nil {
			break
		}

		ok, msg := e.SyncDocument(ctx, doctype, docname, DirectionAuto)

		stats.Total++

		lower := strings.ToLower(msg)

		switch {
		case strings.Contains(lower, "no changes"):
			stats.Skipped++
		case strings.Contains(lower, "conflict"):
			stats.Conflicts++
		case ok:
			stats.Success++
		default:
			stats.Failed++
			e.logger.Warn("sweep document failed",
				slog.String("run_id", runID),
				slog.String("doctype", doctype),
				slog.String("docname", docname),
				slog.String("message", msg),
			)
		}
	}

	e.logger.Info("sweep finished",
		slog.String("run_id", runID),
		slog.String("doctype", doctype),
		slog.Int("total", stats.Total),
		slog.Int("success", stats.Success),
		slog.Int("skipped", stats.Skipped),
		slog.Int("conflicts", stats.Conflicts),
		slog.Int("failed", stats.Failed),
	)

	return stats
}

// SyncAllDoctypes sweeps every configured doctype in order and returns the
// aggregate statistics.
func (e *Engine) SyncAllDoctypes(ctx context.Context, limit int) SweepStats {
	var total SweepStats

	for _, doctype := range e.doctypes {
		if ctx.Err() != nil {
			break
		}

		total.add(e.SyncDoctype(ctx, doctype, limit))
	}

	return total
}

// listBothSides fetches document names from both instances concurrently and
// returns the sorted union.
func (e *Engine) listBothSides(ctx context.Context, doctype string, limit int) ([]string, error) {
	opts := frappe.ListOptions{PageLength: limit}

	var cloudDocs, localDocs []frappe.Document

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		cloudDocs, err = e.cloud.ListDocs(gctx, doctype, opts)
		return err
	})

	g.Go(func() error {
		var err error
		localDocs, err = e.local.ListDocs(gctx, doctype, opts)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(cloudDocs)+len(localDocs))
	union := make([]string, 0, len(cloudDocs)+len(localDocs))

	for _, doc := range append(cloudDocs, localDocs...) {
		name, _ := doc["name"].(string)
		if name == "" || seen[name] {
			continue
		}

		seen[name] = true
		union = append(union, name)
	}

	sort.Strings(union)

	return union, nil
}
