package frappe

import (
	"crypto/md5" //nolint:gosec // content identity, not a credential hash
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Document is a Frappe document: an opaque mapping from field name to value.
// Values are whatever encoding/json produces (scalars, []any, nested
// map[string]any). The sync engine assigns meaning only to a fixed set of
// system fields ("name", "modified", ...) and treats the rest as payload.
type Document map[string]any

// defaultHashExclusions are the side-local metadata fields that never
// participate in content identity. Both replicas rewrite these on every
// save, so including them would make every document look permanently dirty.
var defaultHashExclusions = []string{"modified", "modified_by", "creation", "owner", "idx"}

// Fingerprint computes the content identity of a document: an MD5 hex digest
// over the canonical JSON serialization with the default exclusions plus any
// caller-supplied exclusions removed. encoding/json sorts map keys at every
// nesting depth, which gives the byte-stable serialization the sync engine
// depends on. Non-JSON-native values are stringified first.
func Fingerprint(doc Document, extraExclude []string) string {
	excluded := make(map[string]bool, len(defaultHashExclusions)+len(extraExclude))
	for _, f := range defaultHashExclusions {
		excluded[f] = true
	}

	for _, f := range extraExclude {
		excluded[f] = true
	}

	clean := make(map[string]any, len(doc))

	for k, v := range doc {
		if !excluded[k] {
			clean[k] = normalizeValue(v)
		}
	}

	data, err := json.Marshal(clean)
	if err != nil {
		// Unreachable after normalizeValue, but never panic on payload data.
		data = []byte(fmt.Sprint(clean))
	}

	sum := md5.Sum(data) //nolint:gosec // content identity, not a credential hash
	return hex.EncodeToString(sum[:])
}

// normalizeValue returns v unchanged when it is JSON-native, recurses into
// containers, and stringifies everything else (time.Time, Decimal-ish types
// from callers constructing documents by hand).
func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil, bool, string,
		float32, float64,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		json.Number:
		return t
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = normalizeValue(e)
		}

		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = normalizeValue(e)
		}

		return s
	default:
		return fmt.Sprint(t)
	}
}
