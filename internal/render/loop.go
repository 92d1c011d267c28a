package render

// NormalizeLoopInput coerces a rendered loop collection into a list.
// Lists pass through. A string still containing template markers means
// the reference never resolved, so the loop is empty rather than
// iterating over a template literal. Any other scalar or map becomes a
// single-element list
func NormalizeLoopInput(v any) []any {
	switch t := v.(type) {
	case nil:
		return []any{}
	case []any:
		return t
	case string:
		if HasTemplate(t) {
			return []any{}
		}
		if t == "" {
			return []any{}
		}
		return []any{t}
	default:
		return []any{t}
	}
}
