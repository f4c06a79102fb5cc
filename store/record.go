package store

import (
	"encoding/json"
	"fmt"
)

// Record is a single cached row: business fields as decoded JSON values,
// plus the cache-management fields the store maintains on every row
// ("id", "cached_at" and, for write-path rows, "sync_status").
type Record map[string]any

// Cache-management fields added by the store itself. They live in real
// columns, not inside the JSON document.
const (
	FieldID         = "id"
	FieldCachedAt   = "cached_at"
	FieldSyncStatus = "sync_status"
)

// SyncStatusPending marks a row with local changes the remote has not
// confirmed yet.
const SyncStatusPending = "pending"

// ID returns the record's primary key. JSON decoding yields float64 for
// numbers, so both int64 and float64 shapes are accepted.
func (r Record) ID() (int64, bool) {
	return toInt64(r[FieldID])
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the named field as a string, or "" if absent or not a string.
func (r Record) String(field string) string {
	s, _ := r[field].(string)
	return s
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func decodeDocument(data string) (Record, error) {
	rec := make(Record)
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record document: %w", err)
	}
	return rec, nil
}

// marshalDocument serializes the business fields of a record, excluding the
// columns the store keeps outside the JSON document.
func marshalDocument(rec Record) ([]byte, error) {
	doc := make(map[string]any, len(rec))
	for k, v := range rec {
		switch k {
		case FieldID, FieldCachedAt, FieldSyncStatus:
			continue
		}
		doc[k] = v
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record document: %w", err)
	}
	return data, nil
}
