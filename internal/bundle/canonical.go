package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// MarshalCanonical serializes a value as canonical JSON: object keys sorted
// lexicographically and arrays sorted by the lexicographic comparison of
// each element's own canonical encoding. Two logically-equal values always
// serialize to byte-identical output regardless of how their maps or slices
// were ordered when collected. Output is pretty-printed with a trailing
// newline for stable diffs.
func MarshalCanonical(v any) ([]byte, error) {
	plain, err := toPlain(v)
	if err != nil {
		return nil, err
	}
	normalized := normalize(plain)
	out, err := json.MarshalIndent(normalized, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal canonical: %w", err)
	}
	return append(out, '\n'), nil
}

// toPlain reduces any value to the generic map/slice/scalar shape so that
// normalization never depends on struct field declaration order.
func toPlain(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var plain any
	if err := decoder.Decode(&plain); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return plain, nil
}

func normalize(v any) any {
	switch value := v.(type) {
	case map[string]any:
		// encoding/json emits map keys in sorted order; normalizing the
		// values is all that is needed here.
		for key, item := range value {
			value[key] = normalize(item)
		}
		return value
	case []any:
		for i, item := range value {
			value[i] = normalize(item)
		}
		sort.SliceStable(value, func(i, j int) bool {
			return compactJSON(value[i]) < compactJSON(value[j])
		})
		return value
	default:
		return value
	}
}

func compactJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
