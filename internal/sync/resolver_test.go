package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/turzo891/erpsync/internal/frappe"
)

func TestResolveDirection(t *testing.T) {
	docA := frappe.Document{"customer_name": "ACME Corp"}
	docB := frappe.Document{"customer_name": "ACME Corporation"}

	hashA := frappe.Fingerprint(docA, nil)
	hashB := frappe.Fingerprint(docB, nil)

	fresh := &SyncRecord{}
	synced := func(cloud, local string) *SyncRecord {
		return &SyncRecord{SyncHashCloud: cloud, SyncHashLocal: local}
	}

	tests := []struct {
		name     string
		cloud    frappe.Document
		local    frappe.Document
		record   *SyncRecord
		expected Direction
	}{
		{"both absent", nil, nil, fresh, DirectionNone},
		{"cloud only", docA, nil, fresh, DirectionCloudToLocal},
		{"local only", nil, docA, fresh, DirectionLocalToCloud},
		{"neither changed", docA, docA, synced(hashA, hashA), DirectionNone},
		{"cloud changed", docB, docA, synced(hashA, hashA), DirectionCloudToLocal},
		{"local changed", docA, docB, synced(hashA, hashA), DirectionLocalToCloud},
		{"both diverged", docB, docA, synced(hashA, hashB), DirectionConflict},
		{"both changed identically", docB, docB, synced(hashA, hashA), DirectionNone},
		{"fresh record both present equal", docA, docA, fresh, DirectionNone},
		{"fresh record both present different", docA, docB, fresh, DirectionConflict},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, ResolveDirection(tc.cloud, tc.local, tc.record, nil))
		})
	}
}

func TestResolveDirectionHonorsExclusions(t *testing.T) {
	docA := frappe.Document{"customer_name": "ACME Corp", "internal_notes": "a"}
	docB := frappe.Document{"customer_name": "ACME Corp", "internal_notes": "b"}

	hash := frappe.Fingerprint(docA, []string{"internal_notes"})
	record := &SyncRecord{SyncHashCloud: hash, SyncHashLocal: hash}

	assert.Equal(t, DirectionNone,
		ResolveDirection(docA, docB, record, []string{"internal_notes"}))
	assert.Equal(t, DirectionConflict,
		ResolveDirection(docA, docB, record, nil))
}
