package sync

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewStore(":memory:", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestClaimCreatesRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record, err := store.Claim(ctx, "Customer", "ACME-01")
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, "Customer", record.Doctype)
	assert.Equal(t, "ACME-01", record.Docname)
	assert.True(t, record.IsSyncing)
	assert.Equal(t, StatusPending, record.SyncStatus)
	assert.Empty(t, record.SyncHashCloud)
}

func TestClaimExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Claim(ctx, "Customer", "ACME-01")
	require.NoError(t, err)

	_, err = store.Claim(ctx, "Customer", "ACME-01")
	assert.ErrorIs(t, err, ErrBusy)

	// Other documents are unaffected.
	_, err = store.Claim(ctx, "Customer", "ACME-02")
	require.NoError(t, err)

	// Release reopens the claim.
	first.SyncStatus = StatusSynced
	require.NoError(t, store.Release(ctx, first))

	_, err = store.Claim(ctx, "Customer", "ACME-01")
	require.NoError(t, err)
}

func TestReleasePersistsFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record, err := store.Claim(ctx, "Customer", "ACME-01")
	require.NoError(t, err)

	record.SyncHashCloud = "aaa"
	record.SyncHashLocal = "bbb"
	record.CloudModified = Int64Ptr(100)
	record.LocalModified = Int64Ptr(200)
	record.LastSynced = Int64Ptr(300)
	record.SyncStatus = StatusSynced
	record.ErrorMessage = ""
	record.RetryCount = 0

	require.NoError(t, store.Release(ctx, record))

	got, err := store.GetRecord(ctx, "Customer", "ACME-01")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.False(t, got.IsSyncing)
	assert.Equal(t, "aaa", got.SyncHashCloud)
	assert.Equal(t, "bbb", got.SyncHashLocal)
	assert.Equal(t, int64(100), *got.CloudModified)
	assert.Equal(t, int64(200), *got.LocalModified)
	assert.Equal(t, int64(300), *got.LastSynced)
	assert.Equal(t, StatusSynced, got.SyncStatus)
}

func TestGetRecordUnknownPair(t *testing.T) {
	store := newTestStore(t)

	record, err := store.GetRecord(context.Background(), "Customer", "NEVER-SEEN")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestLogSyncAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, msg := range []string{"first", "second", "third"} {
		require.NoError(t, store.LogSync(ctx, &LogEntry{
			Timestamp: int64(i + 1),
			Doctype:   "Customer",
			Docname:   "ACME-01",
			Action:    "sync",
			Direction: DirectionCloudToLocal,
			Status:    "success",
			Message:   msg,
		}))
	}

	logs, err := store.ListLogs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	// Newest first.
	assert.Equal(t, "third", logs[0].Message)
	assert.Equal(t, "second", logs[1].Message)
	assert.Equal(t, DirectionCloudToLocal, logs[0].Direction)
}

func TestConflictLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.RecordConflict(ctx, &ConflictRecord{
		Doctype:       "Customer",
		Docname:       "ACME-01",
		CloudData:     `{"customer_name": "ACME Corp"}`,
		LocalData:     `{"customer_name": "ACME Corporation"}`,
		CloudModified: Int64Ptr(100),
		LocalModified: Int64Ptr(200),
	})
	require.NoError(t, err)
	require.Positive(t, id)

	unresolved, err := store.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, id, unresolved[0].ID)
	assert.False(t, unresolved[0].Resolved)
	assert.JSONEq(t, `{"customer_name": "ACME Corp"}`, unresolved[0].CloudData)

	require.NoError(t, store.MarkConflictResolved(ctx, id, "cloud_wins"))

	unresolved, err = store.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestEventQueueFIFO(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"A", "B", "C"} {
		_, err := store.EnqueueEvent(ctx, &Event{
			Source:    SideCloud,
			Doctype:   "Customer",
			Docname:   name,
			Action:    "save",
			Payload:   "{}",
			CreatedAt: int64(i + 1),
		})
		require.NoError(t, err)
	}

	batch, err := store.ClaimEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "A", batch[0].Docname)
	assert.Equal(t, "B", batch[1].Docname)
	assert.True(t, batch[0].Processing)

	// Claimed events are invisible to a second claim.
	second, err := store.ClaimEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "C", second[0].Docname)
}

func TestEventCompleteAndFail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	idA, err := store.EnqueueEvent(ctx, &Event{
		Source: SideCloud, Doctype: "Customer", Docname: "A", Action: "save", Payload: "{}",
	})
	require.NoError(t, err)

	idB, err := store.EnqueueEvent(ctx, &Event{
		Source: SideLocal, Doctype: "Customer", Docname: "B", Action: "save", Payload: "{}",
	})
	require.NoError(t, err)

	_, err = store.ClaimEvents(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, store.CompleteEvent(ctx, idA))
	require.NoError(t, store.FailEvent(ctx, idB, "fetch failed"))

	pending, processing, err := store.CountEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending) // the failed event is ready again
	assert.Equal(t, 0, processing)

	// Failed event comes back with its error recorded.
	retry, err := store.ClaimEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	assert.Equal(t, idB, retry[0].ID)
	assert.Equal(t, "fetch failed", retry[0].ErrorMessage)
	assert.Equal(t, 1, retry[0].RetryCount)
}

func TestReapStuck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Stuck record: claimed long ago, never released.
	old := time.Now().Add(-time.Hour).UnixNano()

	_, err := store.Claim(ctx, "Customer", "STUCK-01")
	require.NoError(t, err)

	_, err = store.db.ExecContext(ctx,
		"UPDATE sync_records SET updated_at = ? WHERE doctype = 'Customer' AND docname = 'STUCK-01'", old)
	require.NoError(t, err)

	// Stuck event: claimed long ago, never completed.
	_, err = store.EnqueueEvent(ctx, &Event{
		Source: SideCloud, Doctype: "Customer", Docname: "STUCK-01",
		Action: "save", Payload: "{}", CreatedAt: old,
	})
	require.NoError(t, err)

	_, err = store.ClaimEvents(ctx, 10)
	require.NoError(t, err)

	reaped, err := store.ReapStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reaped)

	// Both are claimable again.
	_, err = store.Claim(ctx, "Customer", "STUCK-01")
	require.NoError(t, err)

	events, err := store.ClaimEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
