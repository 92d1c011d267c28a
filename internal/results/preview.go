package results

import (
	"encoding/json"
	"slices"
)

// Preview markers on a compacted loop iteration result. The authoritative
// value stays in the event log; the in-state copy only needs enough shape
// for routing and diagnostics
const (
	PreviewKey     = "_preview"
	PreviewSizeKey = "size_bytes"
)

// CompactPreview replaces an oversized loop iteration result with a preview
// tuple: the serialized size plus a sample of keys or leading items. Small
// values pass through untouched
func CompactPreview(v any, maxBytes, sampleKeys, sampleItems int) any {
	data, err := json.Marshal(v)
	if err != nil || len(data) <= maxBytes {
		return v
	}

	preview := map[string]any{
		PreviewKey:     true,
		PreviewSizeKey: len(data),
	}

	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		if len(keys) > sampleKeys {
			keys = keys[:sampleKeys]
		}
		preview["keys"] = keys
	case []any:
		preview["length"] = len(t)
		n := min(sampleItems, len(t))
		items := make([]any, n)
		for i := range n {
			items[i] = CompactPreview(t[i], maxBytes, sampleKeys, sampleItems)
		}
		preview["items"] = items
	}
	return preview
}

// IsPreview reports whether a value is a compacted preview tuple
func IsPreview(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	flag, ok := m[PreviewKey].(bool)
	return ok && flag
}
