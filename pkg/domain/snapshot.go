package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// EncodeBucket marshals one snapshot bucket as a JSON array, ordered by
// primary key so successive snapshots of the same state are byte-identical.
func EncodeBucket(entities []Entity) ([]byte, error) {
	sorted := append([]Entity(nil), entities...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EntityID() < sorted[j].EntityID() })
	return json.Marshal(sorted)
}

// DecodeBucket unmarshals one snapshot bucket, constructing each record
// through the kind's registered schema constructor.
func DecodeBucket(schemas *SchemaSet, kind Kind, payload []byte) ([]Entity, error) {
	sc, ok := schemas.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("no schema registered for kind %s", kind)
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(payload, &raws); err != nil {
		return nil, fmt.Errorf("decode %s bucket: %w", kind, err)
	}
	out := make([]Entity, 0, len(raws))
	for _, raw := range raws {
		ent := sc.New()
		if err := json.Unmarshal(raw, ent); err != nil {
			return nil, fmt.Errorf("decode %s record: %w", kind, err)
		}
		out = append(out, ent)
	}
	return out, nil
}
