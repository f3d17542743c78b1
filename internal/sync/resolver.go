package sync

import "github.com/turzo891/erpsync/internal/frappe"

// ResolveDirection decides which way a document should move, given both
// sides' current state and the fingerprints recorded at the last successful
// sync. Pure function: no I/O, total over all inputs.
//
// A nil document means the side does not hold it. A fresh record (empty
// stored hashes) with both documents present resolves to conflict unless
// the fingerprints already match — two independently created documents have
// no common ancestor to arbitrate with.
func ResolveDirection(cloudDoc, localDoc frappe.Document, record *SyncRecord, excludeFields []string) Direction {
	switch {
	case cloudDoc == nil && localDoc == nil:
		return DirectionNone
	case cloudDoc != nil && localDoc == nil:
		return DirectionCloudToLocal
	case cloudDoc == nil && localDoc != nil:
		return DirectionLocalToCloud
	}

	cloudHash := frappe.Fingerprint(cloudDoc, excludeFields)
	localHash := frappe.Fingerprint(localDoc, excludeFields)

	cloudChanged := cloudHash != record.SyncHashCloud
	localChanged := localHash != record.SyncHashLocal

	switch {
	case !cloudChanged && !localChanged:
		return DirectionNone
	case cloudChanged && !localChanged:
		return DirectionCloudToLocal
	case !cloudChanged && localChanged:
		return DirectionLocalToCloud
	}

	// Both diverged from the last synced fingerprints. If the contents are
	// identical anyway there is nothing to transfer; the engine records the
	// opportunistic synced state.
	if cloudHash == localHash {
		return DirectionNone
	}

	return DirectionConflict
}
