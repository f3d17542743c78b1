package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turzo891/erpsync/internal/frappe"
)

// fakeClient is an in-memory DocumentClient holding one doctype's documents
// keyed by docname.
type fakeClient struct {
	name string
	docs map[string]frappe.Document

	lastCreated frappe.Document
	lastUpdated frappe.Document

	creates, updates, deletes int

	updateErr error
	deleteErr error
}

func newFakeClient(name string) *fakeClient {
	return &fakeClient{name: name, docs: map[string]frappe.Document{}}
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) GetDoc(_ context.Context, _, docname string) (frappe.Document, error) {
	doc, ok := f.docs[docname]
	if !ok {
		return nil, nil
	}

	return doc, nil
}

func (f *fakeClient) ListDocs(_ context.Context, _ string, _ frappe.ListOptions) ([]frappe.Document, error) {
	var docs []frappe.Document

	for name, doc := range f.docs {
		copied := frappe.Document{"name": name}
		for k, v := range doc {
			copied[k] = v
		}

		docs = append(docs, copied)
	}

	return docs, nil
}

func (f *fakeClient) CreateDoc(_ context.Context, _ string, doc frappe.Document) (frappe.Document, error) {
	f.creates++
	f.lastCreated = doc

	return doc, nil
}

func (f *fakeClient) UpdateDoc(_ context.Context, _, docname string, doc frappe.Document, _ bool) (frappe.Document, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}

	f.updates++
	f.lastUpdated = doc

	merged := frappe.Document{}
	for k, v := range f.docs[docname] {
		merged[k] = v
	}

	for k, v := range doc {
		merged[k] = v
	}

	f.docs[docname] = merged

	return merged, nil
}

func (f *fakeClient) DeleteDoc(_ context.Context, _, docname string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}

	f.deletes++
	delete(f.docs, docname)

	return nil
}

// newTestEngine wires an engine over fresh fakes and a :memory: store.
func newTestEngine(t *testing.T, policy ConflictPolicy) (*Engine, *fakeClient, *fakeClient, *SQLiteStore) {
	t.Helper()

	cloud := newFakeClient("cloud")
	local := newFakeClient("local")
	store := newTestStore(t)

	engine := NewEngine(&EngineConfig{
		Cloud:          cloud,
		Local:          local,
		Store:          store,
		Doctypes:       []string{"Customer"},
		ConflictPolicy: policy,
		Logger:         discardLogger(),
	})

	return engine, cloud, local, store
}

// seedSynced writes a released record with the given hashes, as if a prior
// sync completed.
func seedSynced(t *testing.T, store *SQLiteStore, doctype, docname, cloudHash, localHash string) {
	t.Helper()

	ctx := context.Background()

	record, err := store.Claim(ctx, doctype, docname)
	require.NoError(t, err)

	record.SyncHashCloud = cloudHash
	record.SyncHashLocal = localHash
	record.SyncStatus = StatusSynced
	require.NoError(t, store.Release(ctx, record))
}

func TestSyncDocumentBusy(t *testing.T) {
	engine, _, _, store := newTestEngine(t, PolicyLatestTimestamp)
	ctx := context.Background()

	_, err := store.Claim(ctx, "Customer", "ACME-01")
	require.NoError(t, err)

	ok, msg := engine.SyncDocument(ctx, "Customer", "ACME-01", DirectionAuto)
	assert.False(t, ok)
	assert.Equal(t, "document is already being synced", msg)

	// Contention produces no audit row.
	logs, err := store.ListLogs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestSyncCreatesOnLocal(t *testing.T) {
	engine, cloud, local, store := newTestEngine(t, PolicyLatestTimestamp)
	ctx := context.Background()

	cloud.docs["ACME-01"] = frappe.Document{
		"customer_name": "ACME Corp",
		"modified":      "2026-01-15 10:30:00",
		"owner":         "admin@cloud",
	}

	ok, msg := engine.SyncDocument(ctx, "Customer", "ACME-01", DirectionAuto)
	require.True(t, ok, msg)
	assert.Equal(t, "created on local from cloud", msg)

	assert.Equal(t, 1, local.creates)
	assert.Equal(t, "ACME Corp", local.lastCreated["customer_name"])
	assert.NotContains(t, local.lastCreated, "owner")
	assert.NotContains(t, local.lastCreated, "modified")

	record, err := store.GetRecord(ctx, "Customer", "ACME-01")
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, record.SyncStatus)
	assert.False(t, record.IsSyncing)
	assert.Equal(t, frappe.Fingerprint(cloud.docs["ACME-01"], nil), record.SyncHashCloud)
	assert.Equal(t, frappe.Fingerprint(local.lastCreated, nil), record.SyncHashLocal)
	assert.NotNil(t, record.CloudModified)
	assert.NotNil(t, record.LastSynced)

	logs, err := store.ListLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "success", logs[0].Status)
	assert.Equal(t, DirectionCloudToLocal, logs[0].Direction)
}

func TestSyncUpdatesOnCloud(t *testing.T) {
	engine, cloud, local, store := newTestEngine(t, PolicyLatestTimestamp)
	ctx := context.Background()

	base := frappe.Document{"customer_name": "ACME Corp"}
	edited := frappe.Document{"customer_name": "ACME Corporation"}

	cloud.docs["ACME-01"] = base
	local.docs["ACME-01"] = edited

	seedSynced(t, store, "Customer", "ACME-01",
		frappe.Fingerprint(base, nil), frappe.Fingerprint(base, nil))

	ok, msg := engine.SyncDocument(ctx, "Customer", "ACME-01", DirectionAuto)
	require.True(t, ok, msg)
	assert.Equal(t, "updated on cloud from local", msg)
	assert.Equal(t, 1, cloud.updates)
	assert.Equal(t, "ACME Corporation", cloud.lastUpdated["customer_name"])

	record, err := store.GetRecord(ctx, "Customer", "ACME-01")
	require.NoError(t, err)
	assert.Equal(t, frappe.Fingerprint(edited, nil), record.SyncHashLocal)
	assert.Equal(t, record.SyncHashCloud, record.SyncHashLocal)
}

func TestSyncNoOpWhenUnchanged(t *testing.T) {
	engine, cloud, local, store := newTestEngine(t, PolicyLatestTimestamp)
	ctx := context.Background()

	doc := frappe.Document{"customer_name": "ACME Corp"}
	cloud.docs["ACME-01"] = doc
	local.docs["ACME-01"] = doc

	hash := frappe.Fingerprint(doc, nil)
	seedSynced(t, store, "Customer", "ACME-01", hash, hash)

	for range 3 {
		ok, msg := engine.SyncDocument(ctx, "Customer", "ACME-01", DirectionAuto)
		require.True(t, ok)
		assert.Equal(t, "no changes to sync", msg)
	}

	assert.Zero(t, cloud.updates+cloud.creates+cloud.deletes)
	assert.Zero(t, local.updates+local.creates+local.deletes)
}

func TestSyncFreshRecordIdenticalContent(t *testing.T) {
	engine, cloud, local, store := newTestEngine(t, PolicyLatestTimestamp)
	ctx := context.Background()

	doc := frappe.Document{"customer_name": "ACME Corp"}
	cloud.docs["ACME-01"] = doc
	local.docs["ACME-01"] = doc

	ok, msg := engine.SyncDocument(ctx, "Customer", "ACME-01", DirectionAuto)
	require.True(t, ok)
	assert.Equal(t, "no changes to sync", msg)

	// Synced state is recorded opportunistically, without a transfer.
	record, err := store.GetRecord(ctx, "Customer", "ACME-01")
	require.NoError(t, err)
	assert.Equal(t, frappe.Fingerprint(doc, nil), record.SyncHashCloud)
	assert.Equal(t, frappe.Fingerprint(doc, nil), record.SyncHashLocal)
	assert.Zero(t, local.creates+local.updates)
}

func TestSyncDeletePropagation(t *testing.T) {
	engine, _, local, store := newTestEngine(t, PolicyLatestTimestamp)
	ctx := context.Background()

	local.docs["ACME-01"] = frappe.Document{"customer_name": "ACME Corp"}

	// Pinned direction, as a delete webhook from cloud would carry.
	ok, msg := engine.SyncDocument(ctx, "Customer", "ACME-01", DirectionCloudToLocal)
	require.True(t, ok, msg)
	assert.Equal(t, "deleted from local (deleted on cloud)", msg)
	assert.Equal(t, 1, local.deletes)

	// Second invocation is a no-op tombstone.
	ok, msg = engine.SyncDocument(ctx, "Customer", "ACME-01", DirectionCloudToLocal)
	require.True(t, ok)
	assert.Equal(t, "no changes to sync", msg)
	assert.Equal(t, 1, local.deletes)

	record, err := store.GetRecord(ctx, "Customer", "ACME-01")
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, record.SyncStatus)
}

func TestSyncTransferFailureMarksError(t *testing.T) {
	engine, cloud, local, store := newTestEngine(t, PolicyLatestTimestamp)
	ctx := context.Background()

	cloud.docs["ACME-01"] = frappe.Document{"customer_name": "ACME Corp"}
	local.docs["ACME-01"] = frappe.Document{"customer_name": "old"}

	seedSynced(t, store, "Customer", "ACME-01",
		"stale-cloud-hash", frappe.Fingerprint(local.docs["ACME-01"], nil))

	local.updateErr = errors.New("connection refused")

	ok, msg := engine.SyncDocument(ctx, "Customer", "ACME-01", DirectionAuto)
	assert.False(t, ok)
	assert.Contains(t, msg, "connection refused")

	record, err := store.GetRecord(ctx, "Customer", "ACME-01")
	require.NoError(t, err)
	assert.Equal(t, StatusError, record.SyncStatus)
	assert.Equal(t, 1, record.RetryCount)
	assert.False(t, record.IsSyncing)
	assert.Contains(t, record.ErrorMessage, "connection refused")

	logs, err := store.ListLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "failed", logs[0].Status)
}

func conflictFixture(t *testing.T, cloud, local *fakeClient, store *SQLiteStore,
	cloudModified, localModified string) {
	t.Helper()

	cloud.docs["ACME-01"] = frappe.Document{
		"customer_name": "Cloud Edit",
		"modified":      cloudModified,
	}
	local.docs["ACME-01"] = frappe.Document{
		"customer_name": "Local Edit",
		"modified":      localModified,
	}

	seedSynced(t, store, "Customer", "ACME-01", "old-cloud-hash", "old-local-hash")
}

func TestConflictLatestTimestampCloudWins(t *testing.T) {
	engine, cloud, local, store := newTestEngine(t, PolicyLatestTimestamp)
	conflictFixture(t, cloud, local, store,
		"2026-01-15 12:00:00", "2026-01-15 10:00:00")

	ok, msg := engine.SyncDocument(context.Background(), "Customer", "ACME-01", DirectionAuto)
	require.True(t, ok, msg)
	assert.Equal(t, "conflict resolved (cloud_wins (latest)): updated on local from cloud", msg)
	assert.Equal(t, "Cloud Edit", local.docs["ACME-01"]["customer_name"])

	unresolved, err := store.ListUnresolvedConflicts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestConflictLatestTimestampTieKeepsLocal(t *testing.T) {
	engine, cloud, local, store := newTestEngine(t, PolicyLatestTimestamp)
	conflictFixture(t, cloud, local, store,
		"2026-01-15 12:00:00", "2026-01-15 12:00:00")

	ok, msg := engine.SyncDocument(context.Background(), "Customer", "ACME-01", DirectionAuto)
	require.True(t, ok, msg)
	assert.Equal(t, "conflict resolved (local_wins (latest)): updated on cloud from local", msg)
	assert.Equal(t, "Local Edit", cloud.docs["ACME-01"]["customer_name"])
}

func TestConflictFixedPolicies(t *testing.T) {
	t.Run("cloud_wins", func(t *testing.T) {
		engine, cloud, local, store := newTestEngine(t, PolicyCloudWins)
		conflictFixture(t, cloud, local, store,
			"2026-01-15 10:00:00", "2026-01-15 12:00:00")

		ok, msg := engine.SyncDocument(context.Background(), "Customer", "ACME-01", DirectionAuto)
		require.True(t, ok, msg)
		assert.Equal(t, "conflict resolved (cloud_wins): updated on local from cloud", msg)
	})

	t.Run("local_wins", func(t *testing.T) {
		engine, cloud, local, store := newTestEngine(t, PolicyLocalWins)
		conflictFixture(t, cloud, local, store,
			"2026-01-15 12:00:00", "2026-01-15 10:00:00")

		ok, msg := engine.SyncDocument(context.Background(), "Customer", "ACME-01", DirectionAuto)
		require.True(t, ok, msg)
		assert.Equal(t, "conflict resolved (local_wins): updated on cloud from local", msg)
	})
}

func TestConflictManualParksRecord(t *testing.T) {
	engine, cloud, local, store := newTestEngine(t, PolicyManual)
	conflictFixture(t, cloud, local, store,
		"2026-01-15 12:00:00", "2026-01-15 10:00:00")

	ctx := context.Background()

	ok, msg := engine.SyncDocument(ctx, "Customer", "ACME-01", DirectionAuto)
	assert.False(t, ok)
	assert.Equal(t, "conflict detected - manual resolution required", msg)

	// No transfer happened.
	assert.Zero(t, cloud.updates+local.updates)

	record, err := store.GetRecord(ctx, "Customer", "ACME-01")
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, record.SyncStatus)

	unresolved, err := store.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.JSONEq(t, `{"customer_name": "Cloud Edit", "modified": "2026-01-15 12:00:00"}`,
		unresolved[0].CloudData)

	logs, err := store.ListLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "conflict", logs[0].Status)
}

func TestConflictStaysOpenWhenTransferFails(t *testing.T) {
	engine, cloud, local, store := newTestEngine(t, PolicyCloudWins)
	conflictFixture(t, cloud, local, store,
		"2026-01-15 12:00:00", "2026-01-15 10:00:00")

	local.updateErr = errors.New("connection refused")

	ok, _ := engine.SyncDocument(context.Background(), "Customer", "ACME-01", DirectionAuto)
	assert.False(t, ok)

	unresolved, err := store.ListUnresolvedConflicts(context.Background())
	require.NoError(t, err)
	assert.Len(t, unresolved, 1)
}
