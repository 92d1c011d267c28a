// Package render evaluates the {{ ... }} templates playbooks use for
// arguments, conditions, and loop collections. Compiled templates are
// cached in a bounded LRU keyed by source text; undefined references are
// hard errors
package render

import (
	"errors"
	"fmt"
	"strings"

	"github.com/noetl/noetl/internal/util"
)

type (
	// Renderer renders strings and nested structures against a context
	// mapping
	Renderer struct {
		cache *util.LRUCache[*Template]
	}

	// Template is one compiled template: literal text interleaved with
	// parsed expressions
	Template struct {
		segments []segment
		source   string
	}

	segment struct {
		expr *exprNode
		text string
	}
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

var (
	ErrUnclosedExpr = errors.New("unclosed template expression")
	ErrUndefinedRef = errors.New("undefined reference")
)

// New creates a renderer with a bounded compiled-template cache
func New(cacheSize int) *Renderer {
	return &Renderer{cache: util.NewLRUCache[*Template](cacheSize)}
}

// Compile parses a template, reusing the cached form when one exists
func (r *Renderer) Compile(src string) (*Template, error) {
	return r.cache.Get(src, func() (*Template, error) {
		return compile(src)
	})
}

// Render evaluates a template. A template that is exactly one expression
// returns the typed underlying value; mixed templates return a string
func (r *Renderer) Render(src string, ctx map[string]any) (any, error) {
	tpl, err := r.Compile(src)
	if err != nil {
		return nil, err
	}
	return tpl.render(ctx)
}

// RenderString evaluates a template and stringifies the result
func (r *Renderer) RenderString(
	src string, ctx map[string]any,
) (string, error) {
	v, err := r.Render(src, ctx)
	if err != nil {
		return "", err
	}
	return stringify(v), nil
}

// RenderBool evaluates a routing or eval condition. Typed booleans pass
// through; strings follow the usual coercion where any non-empty value
// other than "false" is true
func (r *Renderer) RenderBool(src string, ctx map[string]any) (bool, error) {
	v, err := r.Render(src, ctx)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// RenderAny recursively renders a structure: strings render as templates,
// maps and slices render element-wise, everything else passes through
func (r *Renderer) RenderAny(v any, ctx map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return r.Render(t, ctx)
	case map[string]any:
		res := make(map[string]any, len(t))
		for k, val := range t {
			rendered, err := r.RenderAny(val, ctx)
			if err != nil {
				return nil, err
			}
			res[k] = rendered
		}
		return res, nil
	case []any:
		res := make([]any, len(t))
		for i, val := range t {
			rendered, err := r.RenderAny(val, ctx)
			if err != nil {
				return nil, err
			}
			res[i] = rendered
		}
		return res, nil
	default:
		return v, nil
	}
}

// HasTemplate reports whether the string contains a template expression
func HasTemplate(s string) bool {
	return strings.Contains(s, openDelim)
}

func compile(src string) (*Template, error) {
	tpl := &Template{source: src}
	rest := src
	for {
		open := strings.Index(rest, openDelim)
		if open < 0 {
			if rest != "" {
				tpl.segments = append(tpl.segments, segment{text: rest})
			}
			return tpl, nil
		}
		if open > 0 {
			tpl.segments = append(tpl.segments, segment{text: rest[:open]})
		}
		rest = rest[open+len(openDelim):]

		closing := strings.Index(rest, closeDelim)
		if closing < 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnclosedExpr, src)
		}
		expr, err := parseExpr(rest[:closing])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", src, err)
		}
		tpl.segments = append(tpl.segments, segment{expr: expr})
		rest = rest[closing+len(closeDelim):]
	}
}

func (t *Template) render(ctx map[string]any) (any, error) {
	if len(t.segments) == 1 && t.segments[0].expr != nil {
		return t.segments[0].expr.eval(ctx)
	}

	var b strings.Builder
	for _, seg := range t.segments {
		if seg.expr == nil {
			b.WriteString(seg.text)
			continue
		}
		v, err := seg.expr.eval(ctx)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
	}
	return b.String(), nil
}

// Truthy coerces a rendered value to a routing decision
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.TrimSpace(strings.ToLower(t))
		return s != "" && s != "false" && s != "none" && s != "null"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}
