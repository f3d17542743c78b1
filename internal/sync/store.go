package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit bounds the WAL file to 64 MiB.
const walJournalSizeLimit = 67108864

// SQLiteStore implements the Store interface using an embedded SQLite
// database with WAL mode. All replication state (sync records, audit log,
// conflicts, event queue) is persisted here; the claim flag in sync_records
// is the cross-process mutual exclusion for per-document syncs.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	recordStmts   recordStatements
	logStmts      logStatements
	conflictStmts conflictStatements
	eventStmts    eventStatements
}

type recordStatements struct {
	get, release *sql.Stmt
}

type logStatements struct {
	insert, list *sql.Stmt
}

type conflictStatements struct {
	insert, resolve, listUnresolved *sql.Stmt
}

type eventStatements struct {
	enqueue, complete, fail, countPending, countProcessing *sql.Stmt
}

// NewStore opens the database at dbPath, applies migrations, and prepares
// all repeated statements. Use ":memory:" for tests.
func NewStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	logger.Info("opening sync state database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Single writer: serializes Claim/ClaimEvents without SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	logger.Info("sync state database ready", slog.String("path", dbPath))

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", slog.String("pragma", p.desc))
	}

	return nil
}

// --- SQL query constants ---

// Sync record queries.
const (
	sqlRecordColumns = `id, doctype, docname, cloud_modified, local_modified,
		last_synced, sync_hash_cloud, sync_hash_local, is_syncing,
		sync_status, error_message, retry_count, created_at, updated_at`

	sqlGetRecord = `SELECT ` + sqlRecordColumns +
		` FROM sync_records WHERE doctype = ? AND docname = ?`

	sqlInsertRecordIfAbsent = `INSERT INTO sync_records
		(doctype, docname, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(doctype, docname) DO NOTHING`

	sqlClaimRecord = `UPDATE sync_records
		SET is_syncing = 1, updated_at = ?
		WHERE doctype = ? AND docname = ? AND is_syncing = 0`

	sqlReleaseRecord = `UPDATE sync_records
		SET cloud_modified = ?, local_modified = ?, last_synced = ?,
			sync_hash_cloud = ?, sync_hash_local = ?,
			is_syncing = 0, sync_status = ?, error_message = ?,
			retry_count = ?, updated_at = ?
		WHERE id = ?`

	sqlReapRecords = `UPDATE sync_records
		SET is_syncing = 0, updated_at = ?
		WHERE is_syncing = 1 AND updated_at < ?`
)

// Sync log queries.
const (
	sqlInsertLog = `INSERT INTO sync_logs
		(timestamp, doctype, docname, action, direction, status, message, changes_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	sqlListLogs = `SELECT id, timestamp, doctype, docname, action, direction,
			status, message, COALESCE(changes_json, '')
		FROM sync_logs ORDER BY timestamp DESC LIMIT ?`
)

// Conflict queries.
const (
	sqlInsertConflict = `INSERT INTO conflict_records
		(doctype, docname, cloud_data, local_data, cloud_modified,
		 local_modified, resolved, resolution, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', ?)`

	sqlResolveConflict = `UPDATE conflict_records
		SET resolved = 1, resolution = ?, resolved_at = ?
		WHERE id = ?`

	sqlListUnresolved = `SELECT id, doctype, docname, cloud_data, local_data,
			cloud_modified, local_modified, resolved, resolution,
			resolved_at, created_at
		FROM conflict_records WHERE resolved = 0 ORDER BY created_at`
)

// Event queue queries.
const (
	sqlEnqueueEvent = `INSERT INTO event_queue
		(source, doctype, docname, action, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlEventColumns = `id, source, doctype, docname, action, payload,
		processed, processing, created_at, processed_at, error_message, retry_count`

	sqlSelectReadyEvents = `SELECT ` + sqlEventColumns +
		` FROM event_queue
		WHERE processed = 0 AND processing = 0
		ORDER BY created_at ASC, id ASC LIMIT ?`

	sqlMarkEventProcessing = `UPDATE event_queue SET processing = 1 WHERE id = ?`

	sqlCompleteEvent = `UPDATE event_queue
		SET processed = 1, processing = 0, processed_at = ?
		WHERE id = ?`

	sqlFailEvent = `UPDATE event_queue
		SET processing = 0, error_message = ?, retry_count = retry_count + 1
		WHERE id = ?`

	sqlCountPending    = `SELECT COUNT(*) FROM event_queue WHERE processed = 0`
	sqlCountProcessing = `SELECT COUNT(*) FROM event_queue WHERE processing = 1 AND processed = 0`

	sqlReapEvents = `UPDATE event_queue
		SET processing = 0
		WHERE processing = 1 AND processed = 0 AND created_at < ?`
)

// stmtDef maps a SQL string to the prepared statement pointer it should
// populate. Used by the generic prepare helper to eliminate repetitive
// error handling.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

// prepareAllStatements creates all prepared statements grouped by domain.
func (s *SQLiteStore) prepareAllStatements(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.recordStmts.get, sqlGetRecord, "getRecord"},
		{&s.recordStmts.release, sqlReleaseRecord, "releaseRecord"},
		{&s.logStmts.insert, sqlInsertLog, "insertLog"},
		{&s.logStmts.list, sqlListLogs, "listLogs"},
		{&s.conflictStmts.insert, sqlInsertConflict, "insertConflict"},
		{&s.conflictStmts.resolve, sqlResolveConflict, "resolveConflict"},
		{&s.conflictStmts.listUnresolved, sqlListUnresolved, "listUnresolvedConflicts"},
		{&s.eventStmts.enqueue, sqlEnqueueEvent, "enqueueEvent"},
		{&s.eventStmts.complete, sqlCompleteEvent, "completeEvent"},
		{&s.eventStmts.fail, sqlFailEvent, "failEvent"},
		{&s.eventStmts.countPending, sqlCountPending, "countPending"},
		{&s.eventStmts.countProcessing, sqlCountProcessing, "countProcessing"},
	})
}

// --- Scanning helpers ---

// scanRecord scans a full sync_records row.
func scanRecord(row interface{ Scan(...any) error }) (*SyncRecord, error) {
	r := &SyncRecord{}

	var status string

	err := row.Scan(
		&r.ID, &r.Doctype, &r.Docname,
		&r.CloudModified, &r.LocalModified, &r.LastSynced,
		&r.SyncHashCloud, &r.SyncHashLocal, &r.IsSyncing,
		&status, &r.ErrorMessage, &r.RetryCount,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.SyncStatus = SyncStatus(status)

	return r, nil
}

// scanEvent scans a full event_queue row.
func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	e := &Event{}

	var source string

	err := row.Scan(
		&e.ID, &source, &e.Doctype, &e.Docname, &e.Action, &e.Payload,
		&e.Processed, &e.Processing, &e.CreatedAt, &e.ProcessedAt,
		&e.ErrorMessage, &e.RetryCount,
	)
	if err != nil {
		return nil, err
	}

	e.Source = Side(source)

	return e, nil
}

// --- Sync record methods ---

// Claim atomically takes the per-document lock, inserting the record if it
// does not exist yet. Returns ErrBusy when another worker holds it; at most
// one holder at a time, observable across processes.
func (s *SQLiteStore) Claim(ctx context.Context, doctype, docname string) (*SyncRecord, error) {
	s.logger.Debug("claiming record",
		slog.String("doctype", doctype), slog.String("docname", docname))

	now := NowNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim %s/%s: begin tx: %w", doctype, docname, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, sqlInsertRecordIfAbsent, doctype, docname, now, now); err != nil {
		return nil, fmt.Errorf("claim %s/%s: insert: %w", doctype, docname, err)
	}

	result, err := tx.ExecContext(ctx, sqlClaimRecord, now, doctype, docname)
	if err != nil {
		return nil, fmt.Errorf("claim %s/%s: flip flag: %w", doctype, docname, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim %s/%s: rows affected: %w", doctype, docname, err)
	}

	if affected == 0 {
		return nil, fmt.Errorf("claim %s/%s: %w", doctype, docname, ErrBusy)
	}

	record, err := scanRecord(tx.QueryRowContext(ctx, sqlGetRecord, doctype, docname))
	if err != nil {
		return nil, fmt.Errorf("claim %s/%s: read back: %w", doctype, docname, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim %s/%s: commit: %w", doctype, docname, err)
	}

	return record, nil
}

// Release writes the record's mutated fields and clears the claim flag.
// Called on every exit path of a sync, success or failure.
func (s *SQLiteStore) Release(ctx context.Context, record *SyncRecord) error {
	s.logger.Debug("releasing record",
		slog.String("doctype", record.Doctype),
		slog.String("docname", record.Docname),
		slog.String("status", string(record.SyncStatus)),
	)

	_, err := s.recordStmts.release.ExecContext(ctx,
		record.CloudModified, record.LocalModified, record.LastSynced,
		record.SyncHashCloud, record.SyncHashLocal,
		string(record.SyncStatus), record.ErrorMessage, record.RetryCount,
		NowNano(), record.ID,
	)
	if err != nil {
		return fmt.Errorf("release %s/%s: %w", record.Doctype, record.Docname, err)
	}

	return nil
}

// GetRecord returns the sync record for a document, or (nil, nil) when the
// pair has never been observed.
func (s *SQLiteStore) GetRecord(ctx context.Context, doctype, docname string) (*SyncRecord, error) {
	record, err := scanRecord(s.recordStmts.get.QueryRowContext(ctx, doctype, docname))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get record %s/%s: %w", doctype, docname, err)
	}

	return record, nil
}

// --- Sync log methods ---

// LogSync appends one audit row.
func (s *SQLiteStore) LogSync(ctx context.Context, entry *LogEntry) error {
	if entry.Timestamp == 0 {
		entry.Timestamp = NowNano()
	}

	var changes any
	if entry.ChangesJSON != "" {
		changes = entry.ChangesJSON
	}

	_, err := s.logStmts.insert.ExecContext(ctx,
		entry.Timestamp, entry.Doctype, entry.Docname, entry.Action,
		string(entry.Direction), entry.Status, entry.Message, changes,
	)
	if err != nil {
		return fmt.Errorf("log sync %s/%s: %w", entry.Doctype, entry.Docname, err)
	}

	return nil
}

// ListLogs returns the most recent audit rows, newest first.
func (s *SQLiteStore) ListLogs(ctx context.Context, limit int) ([]*LogEntry, error) {
	rows, err := s.logStmts.list.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var entries []*LogEntry

	for rows.Next() {
		e := &LogEntry{}

		var direction string

		err := rows.Scan(&e.ID, &e.Timestamp, &e.Doctype, &e.Docname,
			&e.Action, &direction, &e.Status, &e.Message, &e.ChangesJSON)
		if err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}

		e.Direction = Direction(direction)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log rows: %w", err)
	}

	return entries, nil
}

// --- Conflict methods ---

// RecordConflict inserts a new unresolved conflict with raw snapshots of
// both sides and returns its id.
func (s *SQLiteStore) RecordConflict(ctx context.Context, record *ConflictRecord) (int64, error) {
	s.logger.Info("recording conflict",
		slog.String("doctype", record.Doctype),
		slog.String("docname", record.Docname),
	)

	if record.CreatedAt == 0 {
		record.CreatedAt = NowNano()
	}

	result, err := s.conflictStmts.insert.ExecContext(ctx,
		record.Doctype, record.Docname, record.CloudData, record.LocalData,
		record.CloudModified, record.LocalModified, record.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("record conflict %s/%s: %w", record.Doctype, record.Docname, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("record conflict %s/%s: last id: %w", record.Doctype, record.Docname, err)
	}

	record.ID = id

	return id, nil
}

// MarkConflictResolved stamps a conflict with its resolution. Called only
// after the chosen transfer succeeded.
func (s *SQLiteStore) MarkConflictResolved(ctx context.Context, id int64, resolution string) error {
	s.logger.Info("resolving conflict",
		slog.Int64("id", id), slog.String("resolution", resolution))

	_, err := s.conflictStmts.resolve.ExecContext(ctx, resolution, NowNano(), id)
	if err != nil {
		return fmt.Errorf("resolve conflict %d: %w", id, err)
	}

	return nil
}

// ListUnresolvedConflicts returns conflicts awaiting manual resolution,
// oldest first.
func (s *SQLiteStore) ListUnresolvedConflicts(ctx context.Context) ([]*ConflictRecord, error) {
	rows, err := s.conflictStmts.listUnresolved.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unresolved conflicts: %w", err)
	}
	defer rows.Close()

	var records []*ConflictRecord

	for rows.Next() {
		r := &ConflictRecord{}

		err := rows.Scan(&r.ID, &r.Doctype, &r.Docname, &r.CloudData,
			&r.LocalData, &r.CloudModified, &r.LocalModified,
			&r.Resolved, &r.Resolution, &r.ResolvedAt, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan conflict row: %w", err)
		}

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflict rows: %w", err)
	}

	return records, nil
}

// --- Event queue methods ---

// EnqueueEvent inserts one webhook event and returns its id.
func (s *SQLiteStore) EnqueueEvent(ctx context.Context, event *Event) (int64, error) {
	if event.CreatedAt == 0 {
		event.CreatedAt = NowNano()
	}

	result, err := s.eventStmts.enqueue.ExecContext(ctx,
		string(event.Source), event.Doctype, event.Docname,
		event.Action, event.Payload, event.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue event %s/%s: %w", event.Doctype, event.Docname, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue event %s/%s: last id: %w", event.Doctype, event.Docname, err)
	}

	event.ID = id

	return id, nil
}

// ClaimEvents selects up to max ready events in created_at order and
// atomically flips their processing flag; a claimed event belongs to
// exactly one worker.
func (s *SQLiteStore) ClaimEvents(ctx context.Context, max int) ([]*Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim events: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rows, err := tx.QueryContext(ctx, sqlSelectReadyEvents, max)
	if err != nil {
		return nil, fmt.Errorf("claim events: select: %w", err)
	}

	var events []*Event

	for rows.Next() {
		event, scanErr := scanEvent(rows)
		if scanErr != nil {
			rows.Close()
			return nil, fmt.Errorf("claim events: scan: %w", scanErr)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("claim events: iterate: %w", err)
	}

	rows.Close()

	for _, event := range events {
		if _, err := tx.ExecContext(ctx, sqlMarkEventProcessing, event.ID); err != nil {
			return nil, fmt.Errorf("claim events: mark %d: %w", event.ID, err)
		}

		event.Processing = true
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim events: commit: %w", err)
	}

	return events, nil
}

// CompleteEvent marks a claimed event as processed.
func (s *SQLiteStore) CompleteEvent(ctx context.Context, id int64) error {
	_, err := s.eventStmts.complete.ExecContext(ctx, NowNano(), id)
	if err != nil {
		return fmt.Errorf("complete event %d: %w", id, err)
	}

	return nil
}

// FailEvent returns a claimed event to the ready pool with its error
// recorded and retry counter bumped.
func (s *SQLiteStore) FailEvent(ctx context.Context, id int64, errMsg string) error {
	_, err := s.eventStmts.fail.ExecContext(ctx, errMsg, id)
	if err != nil {
		return fmt.Errorf("fail event %d: %w", id, err)
	}

	return nil
}

// CountEvents returns the number of pending and in-flight events, for the
// /status endpoint.
func (s *SQLiteStore) CountEvents(ctx context.Context) (pending, processing int, err error) {
	if err := s.eventStmts.countPending.QueryRowContext(ctx).Scan(&pending); err != nil {
		return 0, 0, fmt.Errorf("count pending events: %w", err)
	}

	if err := s.eventStmts.countProcessing.QueryRowContext(ctx).Scan(&processing); err != nil {
		return 0, 0, fmt.Errorf("count processing events: %w", err)
	}

	return pending, processing, nil
}

// --- Crash recovery ---

// ReapStuck clears claim flags and processing flags older than the watchdog
// threshold, returning abandoned work to the pool. Implementations must not
// assume orderly shutdown; a crashed worker leaves both flags set.
func (s *SQLiteStore) ReapStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold).UnixNano()

	records, err := s.db.ExecContext(ctx, sqlReapRecords, NowNano(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stuck records: %w", err)
	}

	recordCount, err := records.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reap stuck records: rows affected: %w", err)
	}

	events, err := s.db.ExecContext(ctx, sqlReapEvents, cutoff)
	if err != nil {
		return recordCount, fmt.Errorf("reap stuck events: %w", err)
	}

	eventCount, err := events.RowsAffected()
	if err != nil {
		return recordCount, fmt.Errorf("reap stuck events: rows affected: %w", err)
	}

	total := recordCount + eventCount
	if total > 0 {
		s.logger.Warn("reaped stuck work",
			slog.Int64("records", recordCount),
			slog.Int64("events", eventCount),
		)
	}

	return total, nil
}

// Close closes all prepared statements and the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing sync state database")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", slog.String("error", err.Error()))
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// closeStatements closes all prepared statements, collecting errors.
func (s *SQLiteStore) closeStatements() error {
	stmts := []*sql.Stmt{
		s.recordStmts.get, s.recordStmts.release,
		s.logStmts.insert, s.logStmts.list,
		s.conflictStmts.insert, s.conflictStmts.resolve, s.conflictStmts.listUnresolved,
		s.eventStmts.enqueue, s.eventStmts.complete, s.eventStmts.fail,
		s.eventStmts.countPending, s.eventStmts.countProcessing,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
