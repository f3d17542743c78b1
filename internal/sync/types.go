// Package sync implements the bidirectional replication engine: the durable
// state store, the direction resolver, the per-document sync orchestrator,
// conflict resolution, the batch sweeper, and the event queue worker.
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/turzo891/erpsync/internal/frappe"
)

// Direction is the resolver's output: which way a document moves, if at all.
type Direction string

// Directions as stored in the sync_logs.direction column. DirectionAuto is
// accepted by SyncDocument as a hint, never returned by the resolver.
const (
	DirectionAuto         Direction = "auto"
	DirectionNone         Direction = "none"
	DirectionCloudToLocal Direction = "cloud_to_local"
	DirectionLocalToCloud Direction = "local_to_cloud"
	DirectionConflict     Direction = "conflict"
)

// Side identifies one of the two replicas.
type Side string

const (
	SideCloud Side = "cloud"
	SideLocal Side = "local"
)

// SyncStatus is the per-record outcome stored in sync_records.sync_status.
type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusSynced   SyncStatus = "synced"
	StatusConflict SyncStatus = "conflict"
	StatusError    SyncStatus = "error"
)

// ConflictPolicy selects how diverged documents are reconciled.
type ConflictPolicy string

const (
	PolicyLatestTimestamp ConflictPolicy = "latest_timestamp"
	PolicyCloudWins       ConflictPolicy = "cloud_wins"
	PolicyLocalWins       ConflictPolicy = "local_wins"
	PolicyManual          ConflictPolicy = "manual"
)

// ErrBusy is returned by Store.Claim when another worker already holds the
// record. Callers decide whether to retry.
var ErrBusy = errors.New("sync: document is already being synced")

// SyncRecord tracks replication state for one (doctype, docname) pair.
// Created lazily on first observation, never deleted. Timestamps are Unix
// nanoseconds; nullable columns are pointers.
type SyncRecord struct {
	ID      int64
	Doctype string
	Docname string

	CloudModified *int64 // last modified observed from cloud
	LocalModified *int64 // last modified observed from local
	LastSynced    *int64 // wall clock of most recent successful sync

	SyncHashCloud string // fingerprint last observed from cloud while in sync
	SyncHashLocal string // fingerprint last observed from local while in sync

	IsSyncing    bool
	SyncStatus   SyncStatus
	ErrorMessage string
	RetryCount   int

	CreatedAt int64
	UpdatedAt int64
}

// LogEntry is one append-only sync_logs row, written once per engine
// invocation.
type LogEntry struct {
	ID          int64
	Timestamp   int64
	Doctype     string
	Docname     string
	Action      string // "sync"
	Direction   Direction
	Status      string // success, failed, conflict
	Message     string
	ChangesJSON string
}

// ConflictRecord holds raw snapshots of both sides at conflict time.
// Retained indefinitely; Resolved flips only after the chosen transfer
// succeeds.
type ConflictRecord struct {
	ID      int64
	Doctype string
	Docname string

	CloudData string // raw JSON snapshot
	LocalData string // raw JSON snapshot

	CloudModified *int64
	LocalModified *int64

	Resolved   bool
	Resolution string // cloud_wins, local_wins, cloud_wins (latest), local_wins (latest), manual
	ResolvedAt *int64

	CreatedAt int64
}

// Event is one event_queue row, produced by the webhook ingress and consumed
// by the queue worker. FIFO by CreatedAt, best effort.
type Event struct {
	ID      int64
	Source  Side
	Doctype string
	Docname string
	Action  string // create, update, delete (Frappe sends save/delete)
	Payload string // full webhook body, archived verbatim

	Processed  bool
	Processing bool

	CreatedAt    int64
	ProcessedAt  *int64
	ErrorMessage string
	RetryCount   int
}

// Store is the interface for the sync state database. All engine components
// operate against this interface rather than the concrete SQLite
// implementation.
type Store interface {
	// Records
	Claim(ctx context.Context, doctype, docname string) (*SyncRecord, error)
	Release(ctx context.Context, record *SyncRecord) error
	GetRecord(ctx context.Context, doctype, docname string) (*SyncRecord, error)

	// Audit log
	LogSync(ctx context.Context, entry *LogEntry) error
	ListLogs(ctx context.Context, limit int) ([]*LogEntry, error)

	// Conflicts
	RecordConflict(ctx context.Context, record *ConflictRecord) (int64, error)
	MarkConflictResolved(ctx context.Context, id int64, resolution string) error
	ListUnresolvedConflicts(ctx context.Context) ([]*ConflictRecord, error)

	// Event queue
	EnqueueEvent(ctx context.Context, event *Event) (int64, error)
	ClaimEvents(ctx context.Context, max int) ([]*Event, error)
	CompleteEvent(ctx context.Context, id int64) error
	FailEvent(ctx context.Context, id int64, errMsg string) error
	CountEvents(ctx context.Context) (pending, processing int, err error)

	// Crash recovery
	ReapStuck(ctx context.Context, threshold time.Duration) (int64, error)

	Close() error
}

// DocumentClient performs CRUD against one replica. Satisfied by
// *frappe.Client; defined here per the "accept interfaces, return structs"
// convention so engine tests can use an in-memory fake.
type DocumentClient interface {
	Name() string
	GetDoc(ctx context.Context, doctype, docname string) (frappe.Document, error)
	ListDocs(ctx context.Context, doctype string, opts frappe.ListOptions) ([]frappe.Document, error)
	CreateDoc(ctx context.Context, doctype string, doc frappe.Document) (frappe.Document, error)
	UpdateDoc(ctx context.Context, doctype, docname string, doc frappe.Document, retryOnStaleTimestamp bool) (frappe.Document, error)
	DeleteDoc(ctx context.Context, doctype, docname string) error
}

// --- Timestamp helpers ---
// Internal code carries int64 Unix nanoseconds; conversion happens at the
// wire boundary (frappe.ParseTimestamp) and nowhere else.

// NowNano returns the current time as Unix nanoseconds.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// Int64Ptr returns a pointer to the given int64 value.
// Used for nullable database columns.
func Int64Ptr(v int64) *int64 {
	return &v
}

// parseModified parses a document's modified field into Unix nanoseconds.
// Returns nil when the field is absent or unparseable — the nil acts as a
// sentinel earlier than every valid timestamp for conflict tie-breaking and
// is never persisted.
func parseModified(doc frappe.Document) *int64 {
	if doc == nil {
		return nil
	}

	s, _ := doc["modified"].(string)

	t, ok := frappe.ParseTimestamp(s)
	if !ok {
		return nil
	}

	return Int64Ptr(t.UnixNano())
}

// modifiedOrMin returns the parsed modified value, or the minimum int64 when
// absent, for ordered comparison during conflict tie-breaking.
func modifiedOrMin(doc frappe.Document) int64 {
	if v := parseModified(doc); v != nil {
		return *v
	}

	return -1 << 63
}
