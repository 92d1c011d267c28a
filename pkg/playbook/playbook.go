// Package playbook decodes playbook YAML into the validated in-memory model.
// The decoder accepts the shorthand forms playbook authors actually write
// and desugars them into the normalized structures the engine consumes
package playbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/noetl/noetl/pkg/api"
)

var (
	ErrNotMapping     = errors.New("expected a mapping")
	ErrBadWorkflow    = errors.New("workflow must be a list of steps")
	ErrBadTool        = errors.New("tool must be a mapping or a task list")
	ErrBadTask        = errors.New("task entry must be a labelled mapping")
	ErrBadNext        = errors.New("unrecognized next form")
	ErrMissingTaskDef = errors.New("task label has no definition")
)

// Load reads and parses a playbook YAML file
func Load(path string) (*api.Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Metadata.Path == "" {
		p.Metadata.Path = path
	}
	return p, nil
}

// Parse decodes, desugars, normalizes, and validates playbook YAML
func Parse(data []byte) (*api.Playbook, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	p := &api.Playbook{}
	if err := convert(doc["metadata"], &p.Metadata); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	if v, ok := doc["apiVersion"].(string); ok {
		p.APIVersion = v
	}
	if m, ok := doc["workload"].(map[string]any); ok {
		p.Workload = m
	}
	if m, ok := doc["keychain"].(map[string]any); ok {
		p.Keychain = m
	}
	if v, ok := doc["executor"]; ok {
		p.Executor = &api.ExecutorSpec{}
		if err := convert(v, p.Executor); err != nil {
			return nil, fmt.Errorf("executor: %w", err)
		}
	}

	steps, ok := doc["workflow"].([]any)
	if !ok && doc["workflow"] != nil {
		return nil, ErrBadWorkflow
	}
	for i, raw := range steps {
		s, err := parseStep(raw)
		if err != nil {
			return nil, fmt.Errorf("workflow[%d]: %w", i, err)
		}
		p.Workflow = append(p.Workflow, s)
	}

	if raw, ok := doc["workbook"].([]any); ok {
		tasks, err := parseTasks(raw)
		if err != nil {
			return nil, fmt.Errorf("workbook: %w", err)
		}
		p.Workbook = tasks
	}

	if err := p.Normalize(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseStep(raw any) (*api.Step, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrNotMapping
	}

	s := &api.Step{}
	if v, ok := m["step"].(string); ok {
		s.Name = v
	}
	if v, ok := m["desc"].(string); ok {
		s.Desc = v
	}
	if v, ok := m["args"].(map[string]any); ok {
		s.Args = v
	}
	if v, ok := m["set_ctx"].(map[string]any); ok {
		s.SetCtx = v
	}
	if v, ok := m["output_select"]; ok {
		if err := convert(v, &s.OutputSelect); err != nil {
			return nil, fmt.Errorf("output_select: %w", err)
		}
	}
	if v, ok := m["loop"]; ok {
		s.Loop = &api.Loop{}
		if err := convert(v, s.Loop); err != nil {
			return nil, fmt.Errorf("loop: %w", err)
		}
	}

	// pipe is a legacy alias for a task sequence
	tool := m["tool"]
	if tool == nil {
		tool = m["pipe"]
	}
	switch v := tool.(type) {
	case nil:
	case []any:
		tasks, err := parseTasks(v)
		if err != nil {
			return nil, err
		}
		s.Pipeline = tasks
	case map[string]any:
		spec, err := parseToolSpec(v)
		if err != nil {
			return nil, err
		}
		s.Tool = spec
	default:
		return nil, ErrBadTool
	}

	if v, ok := m["next"]; ok {
		next, err := parseNext(v)
		if err != nil {
			return nil, err
		}
		s.Next = next
	}
	return s, nil
}

// parseToolSpec accepts the explicit {kind, config, spec} form and the
// flattened form where config keys sit beside kind
func parseToolSpec(m map[string]any) (*api.ToolSpec, error) {
	spec := &api.ToolSpec{Config: api.Config{}}
	if v, ok := m["kind"].(string); ok {
		spec.Kind = api.ToolKind(v)
	}
	if v, ok := m["spec"]; ok {
		spec.Spec = &api.ToolSpecExtra{}
		if err := convert(v, spec.Spec); err != nil {
			return nil, fmt.Errorf("tool spec: %w", err)
		}
	}
	if v, ok := m["config"].(map[string]any); ok {
		for k, val := range v {
			spec.Config[k] = val
		}
	}
	for k, val := range m {
		switch k {
		case "kind", "spec", "config":
		default:
			spec.Config[k] = val
		}
	}
	return spec, nil
}

// parseTasks decodes a labelled task list. Entries are either single-key
// mappings of the form {name: {tool, eval}} or explicit {name, tool, eval}
// mappings
func parseTasks(raw []any) ([]*api.Task, error) {
	var tasks []*api.Task
	for i, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("[%d]: %w", i, ErrBadTask)
		}
		task, err := parseTask(m)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func parseTask(m map[string]any) (*api.Task, error) {
	if name, ok := m["name"].(string); ok {
		return parseTaskBody(name, m)
	}
	if len(m) != 1 {
		return nil, ErrBadTask
	}
	for name, body := range m {
		bodyMap, ok := body.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingTaskDef, name)
		}
		return parseTaskBody(name, bodyMap)
	}
	return nil, ErrBadTask
}

func parseTaskBody(name string, m map[string]any) (*api.Task, error) {
	task := &api.Task{Name: name}
	if v, ok := m["tool"].(map[string]any); ok {
		spec, err := parseToolSpec(v)
		if err != nil {
			return nil, err
		}
		task.Tool = spec
	}
	if v, ok := m["eval"]; ok {
		if err := convert(v, &task.Eval); err != nil {
			return nil, fmt.Errorf("eval: %w", err)
		}
	}
	return task, nil
}

// parseNext accepts a bare step name, a list of names or arc mappings, and
// the full {spec, arcs} form
func parseNext(raw any) (*api.NextBlock, error) {
	switch v := raw.(type) {
	case string:
		return &api.NextBlock{Arcs: []*api.NextArc{{Step: v}}}, nil
	case []any:
		block := &api.NextBlock{}
		for i, entry := range v {
			arc, err := parseArc(entry)
			if err != nil {
				return nil, fmt.Errorf("next[%d]: %w", i, err)
			}
			block.Arcs = append(block.Arcs, arc)
		}
		return block, nil
	case map[string]any:
		if _, ok := v["arcs"]; ok {
			block := &api.NextBlock{}
			if err := convert(v, block); err != nil {
				return nil, fmt.Errorf("next: %w", err)
			}
			return block, nil
		}
		arc, err := parseArc(v)
		if err != nil {
			return nil, err
		}
		return &api.NextBlock{Arcs: []*api.NextArc{arc}}, nil
	default:
		return nil, ErrBadNext
	}
}

func parseArc(raw any) (*api.NextArc, error) {
	switch v := raw.(type) {
	case string:
		return &api.NextArc{Step: v}, nil
	case map[string]any:
		arc := &api.NextArc{}
		if err := convert(v, arc); err != nil {
			return nil, err
		}
		if arc.Step == "" && len(arc.Then) == 0 {
			return nil, ErrBadNext
		}
		return arc, nil
	default:
		return nil, ErrBadNext
	}
}

// convert moves a decoded YAML value into a typed structure through its JSON
// tags, which keeps the YAML surface aligned with the wire format
func convert(src, dst any) error {
	if src == nil {
		return nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
