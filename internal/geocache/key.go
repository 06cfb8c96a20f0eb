package geocache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Kind classifies cached responses for TTL selection.
type Kind string

// Cached response kinds.
const (
	KindText    Kind = "text"
	KindDetails Kind = "details"
	KindReverse Kind = "reverse"
)

// Key derives a stable cache key from a request. Map keys are serialized in
// sorted order so the result does not depend on how params was built. String
// values are trimmed and whitespace-collapsed; only free text under a "text"
// key is lowercased, identifiers keep their case.
func Key(kind Kind, params map[string]any) string {
	norm := normalize(params, false)
	b, _ := json.Marshal(map[string]any{"kind": string(kind), "params": norm})
	sum := sha256.Sum256(b)
	return string(kind) + ":" + hex.EncodeToString(sum[:])
}

func normalize(v any, fold bool) any {
	switch t := v.(type) {
	case string:
		if fold {
			t = strings.ToLower(t)
		}
		return strings.Join(strings.Fields(t), " ")
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			k = strings.ToLower(k)
			out[k] = normalize(val, k == "text")
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val, fold)
		}
		return out
	default:
		return v
	}
}
