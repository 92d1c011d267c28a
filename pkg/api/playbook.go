package api

import (
	"errors"
	"fmt"

	"github.com/noetl/noetl/pkg/util"
)

type (
	// ToolKind selects which executor runs a tool call
	ToolKind string

	// LoopMode selects sequential or bounded-parallel loop scheduling
	LoopMode string

	// NextMode controls how many matching arcs fire during routing
	NextMode string

	// EvalAction is a control action taken when an eval clause matches
	EvalAction string

	// CollectMode controls how collected pagination data accumulates
	CollectMode string

	// Playbook is the validated, immutable definition of a workflow. The
	// coordinator never re-reads YAML during an execution; the parsed form
	// is resolved once and cached
	Playbook struct {
		Workload   map[string]any `json:"workload,omitempty"`
		Keychain   map[string]any `json:"keychain,omitempty"`
		Executor   *ExecutorSpec  `json:"executor,omitempty"`
		APIVersion string         `json:"apiVersion,omitempty"`
		Metadata   PlaybookMeta   `json:"metadata"`
		Workflow   []*Step        `json:"workflow"`
		Workbook   []*Task        `json:"workbook,omitempty"`
	}

	// PlaybookMeta names a playbook and records its catalog path
	PlaybookMeta struct {
		Name string `json:"name"`
		Path string `json:"path,omitempty"`
	}

	// ExecutorSpec carries optional entry and final step overrides
	ExecutorSpec struct {
		Spec ExecutorConfig `json:"spec"`
	}

	ExecutorConfig struct {
		EntryStep string `json:"entry_step,omitempty"`
		FinalStep string `json:"final_step,omitempty"`
	}

	// Step is a named node in the workflow. A step executes a single tool or
	// an ordered pipeline of tasks, optionally looped over a collection
	Step struct {
		Tool     *ToolSpec      `json:"tool,omitempty"`
		Loop     *Loop          `json:"loop,omitempty"`
		Next     *NextBlock     `json:"next,omitempty"`
		Args     map[string]any `json:"args,omitempty"`
		SetCtx   map[string]any `json:"set_ctx,omitempty"`
		Name     string         `json:"step"`
		Desc     string         `json:"desc,omitempty"`
		Pipeline []*Task        `json:"pipeline,omitempty"`

		// OutputSelect names result fields kept inline when a large step
		// result is externalized
		OutputSelect []string `json:"output_select,omitempty"`
	}

	// Loop iterates a step over a rendered collection
	Loop struct {
		In       any      `json:"in"`
		Iterator string   `json:"iterator,omitempty"`
		Mode     LoopMode `json:"mode,omitempty"`
		Spec     LoopSpec `json:"spec,omitempty"`
	}

	LoopSpec struct {
		MaxInFlight int `json:"max_in_flight,omitempty"`
	}

	// NextBlock is the normalized routing declaration of a step
	NextBlock struct {
		Spec NextSpec   `json:"spec,omitempty"`
		Arcs []*NextArc `json:"arcs"`
	}

	NextSpec struct {
		Mode NextMode `json:"mode,omitempty"`
	}

	// NextArc routes to a target step, optionally gated by a template
	// condition. Arcs without a condition always match. An arc may carry a
	// then block of collect/retry actions instead of a target; those drive
	// pagination without leaving the step
	NextArc struct {
		Args map[string]any `json:"args,omitempty"`
		Then []*EvalClause  `json:"then,omitempty"`
		Step string         `json:"step,omitempty"`
		When string         `json:"when,omitempty"`
	}

	// ToolSpec describes one tool invocation: the executor kind plus its
	// kind-specific configuration
	ToolSpec struct {
		Config Config         `json:"config,omitempty"`
		Spec   *ToolSpecExtra `json:"spec,omitempty"`
		Kind   ToolKind       `json:"kind"`
	}

	// ToolSpecExtra holds optional tool-level policy
	ToolSpecExtra struct {
		Policy *Policy `json:"policy,omitempty"`
	}

	// Policy attaches eval rules to a single tool. A step whose tool carries
	// policy rules is converted to a one-element task sequence so the rules
	// apply with the same semantics as pipeline evals
	Policy struct {
		Rules []*EvalClause `json:"rules"`
	}

	// Task is one labelled tool call inside a task sequence
	Task struct {
		Tool *ToolSpec     `json:"tool"`
		Name string        `json:"name"`
		Eval []*EvalClause `json:"eval,omitempty"`
	}

	// EvalClause pairs a template condition with a control action. Clauses
	// run in order after each task attempt; the first matching clause wins.
	// An Else clause matches when nothing above it did
	EvalClause struct {
		Params   map[string]any `json:"params,omitempty"`
		Headers  map[string]any `json:"headers,omitempty"`
		Body     any            `json:"body,omitempty"`
		Data     any            `json:"data,omitempty"`
		SetVars  map[string]any `json:"set_vars,omitempty"`
		SetIter  map[string]any `json:"set_iter,omitempty"`
		Else     *EvalClause    `json:"else,omitempty"`
		Expr     string         `json:"expr,omitempty"`
		Do       EvalAction     `json:"do,omitempty"`
		To       string         `json:"to,omitempty"`
		Path     string         `json:"path,omitempty"`
		Into     string         `json:"into,omitempty"`
		URL      string         `json:"url,omitempty"`
		Mode     CollectMode    `json:"mode,omitempty"`
		Backoff  Backoff        `json:"backoff,omitempty"`
		Attempts int            `json:"attempts,omitempty"`
		Delay    float64        `json:"delay,omitempty"`
	}
)

const (
	ToolHTTP         ToolKind = "http"
	ToolPostgres     ToolKind = "postgres"
	ToolDuckDB       ToolKind = "duckdb"
	ToolPython       ToolKind = "python"
	ToolWorkbook     ToolKind = "workbook"
	ToolPlaybook     ToolKind = "playbook"
	ToolTaskSequence ToolKind = "task_sequence"

	LoopSequential LoopMode = "sequential"
	LoopParallel   LoopMode = "parallel"

	NextExclusive NextMode = "exclusive"
	NextInclusive NextMode = "inclusive"

	ActionContinue EvalAction = "continue"
	ActionRetry    EvalAction = "retry"
	ActionJump     EvalAction = "jump"
	ActionBreak    EvalAction = "break"
	ActionFail     EvalAction = "fail"
	ActionCollect  EvalAction = "collect"

	CollectAppend  CollectMode = "append"
	CollectExtend  CollectMode = "extend"
	CollectReplace CollectMode = "replace"
)

const (
	// DefaultIterator binds loop items when the playbook does not name one
	DefaultIterator = "item"

	// DefaultLoopMaxInFlight bounds parallel loops without an explicit limit
	DefaultLoopMaxInFlight = 4

	// EntryStepName is the legacy entry step convention
	EntryStepName = "start"
)

var (
	ErrPlaybookNameEmpty   = errors.New("playbook name empty")
	ErrNoWorkflowSteps     = errors.New("workflow has no steps")
	ErrStepNameEmpty       = errors.New("step name empty")
	ErrDuplicateStep       = errors.New("duplicate step name")
	ErrUnknownNextTarget   = errors.New("next target not found")
	ErrEntryStepNotFound   = errors.New("entry step not found")
	ErrFinalStepNotFound   = errors.New("final step not found")
	ErrInvalidToolKind     = errors.New("invalid tool kind")
	ErrInvalidLoopMode     = errors.New("invalid loop mode")
	ErrInvalidNextMode     = errors.New("invalid next mode")
	ErrInvalidEvalAction   = errors.New("invalid eval action")
	ErrInvalidCollectMode  = errors.New("invalid collect mode")
	ErrInvalidBackoff      = errors.New("invalid backoff mode")
	ErrTaskNameEmpty       = errors.New("task name empty")
	ErrDuplicateTask       = errors.New("duplicate task name")
	ErrTaskToolMissing     = errors.New("task has no tool")
	ErrJumpTargetNotFound  = errors.New("jump target not found")
	ErrUnknownWorkbookTask = errors.New("workbook task not found")
	ErrNestedWorkbookRef   = errors.New("workbook task references workbook")
	ErrArcWithoutTarget    = errors.New("next arc has no step or then block")
	ErrInvalidArcAction    = errors.New("invalid action in next arc then block")
)

var (
	validToolKinds = util.SetOf(
		ToolHTTP,
		ToolPostgres,
		ToolDuckDB,
		ToolPython,
		ToolWorkbook,
		ToolPlaybook,
		ToolTaskSequence,
	)

	validEvalActions = util.SetOf(
		ActionContinue,
		ActionRetry,
		ActionJump,
		ActionBreak,
		ActionFail,
		ActionCollect,
	)
)

// Validate checks structural invariants: step names are unique, every next
// target resolves, tools carry known kinds, and pipeline evals are coherent
func (p *Playbook) Validate() error {
	if p.Metadata.Name == "" {
		return ErrPlaybookNameEmpty
	}
	if len(p.Workflow) == 0 {
		return ErrNoWorkflowSteps
	}

	names := util.SetOf[string]()
	for _, s := range p.Workflow {
		if s.Name == "" {
			return ErrStepNameEmpty
		}
		if names.Contains(s.Name) {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, s.Name)
		}
		names.Add(s.Name)
	}

	for _, s := range p.Workflow {
		if err := s.validate(names); err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
	}

	if err := p.validateWorkbook(); err != nil {
		return err
	}

	if entry := p.entryOverride(); entry != "" && !names.Contains(entry) {
		return fmt.Errorf("%w: %s", ErrEntryStepNotFound, entry)
	}
	if final := p.FinalStep(); final != "" && !names.Contains(final) {
		return fmt.Errorf("%w: %s", ErrFinalStepNotFound, final)
	}
	return nil
}

func (p *Playbook) validateWorkbook() error {
	names := util.SetOf[string]()
	for _, t := range p.Workbook {
		if t.Name == "" {
			return ErrTaskNameEmpty
		}
		if names.Contains(t.Name) {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
		}
		names.Add(t.Name)
		if err := t.validate(); err != nil {
			return fmt.Errorf("workbook task %s: %w", t.Name, err)
		}
	}
	return nil
}

func (s *Step) validate(steps util.Set[string]) error {
	if s.Tool != nil {
		if err := s.Tool.validate(); err != nil {
			return err
		}
	}
	if s.Loop != nil {
		switch s.Loop.Mode {
		case LoopSequential, LoopParallel, "":
		default:
			return fmt.Errorf("%w: %s", ErrInvalidLoopMode, s.Loop.Mode)
		}
	}
	if err := validateTasks(s.Pipeline); err != nil {
		return err
	}
	if s.Next == nil {
		return nil
	}
	switch s.Next.Spec.Mode {
	case NextExclusive, NextInclusive, "":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidNextMode, s.Next.Spec.Mode)
	}
	for _, arc := range s.Next.Arcs {
		if arc.Step == "" && len(arc.Then) == 0 {
			return ErrArcWithoutTarget
		}
		if arc.Step != "" && !steps.Contains(arc.Step) {
			return fmt.Errorf("%w: %s", ErrUnknownNextTarget, arc.Step)
		}
		for _, c := range arc.Then {
			switch c.Do {
			case ActionCollect, ActionRetry, ActionContinue, "":
			default:
				return fmt.Errorf("%w: %s", ErrInvalidArcAction, c.Do)
			}
			if err := c.validate(nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateTasks(tasks []*Task) error {
	if len(tasks) == 0 {
		return nil
	}
	names := util.SetOf[string]()
	for _, t := range tasks {
		if t.Name == "" {
			return ErrTaskNameEmpty
		}
		if names.Contains(t.Name) {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
		}
		names.Add(t.Name)
	}
	for _, t := range tasks {
		if err := t.validate(); err != nil {
			return fmt.Errorf("task %s: %w", t.Name, err)
		}
		for _, c := range t.Eval {
			if err := c.validate(names); err != nil {
				return fmt.Errorf("task %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

func (t *Task) validate() error {
	if t.Tool == nil {
		return ErrTaskToolMissing
	}
	return t.Tool.validate()
}

func (ts *ToolSpec) validate() error {
	if !validToolKinds.Contains(ts.Kind) {
		return fmt.Errorf("%w: %s", ErrInvalidToolKind, ts.Kind)
	}
	if ts.Spec != nil && ts.Spec.Policy != nil {
		for _, c := range ts.Spec.Policy.Rules {
			if err := c.validate(nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *EvalClause) validate(tasks util.Set[string]) error {
	if c.Do != "" && !validEvalActions.Contains(c.Do) {
		return fmt.Errorf("%w: %s", ErrInvalidEvalAction, c.Do)
	}
	if c.Do == ActionJump {
		if c.To == "" || (tasks != nil && !tasks.Contains(c.To)) {
			return fmt.Errorf("%w: %s", ErrJumpTargetNotFound, c.To)
		}
	}
	switch c.Mode {
	case CollectAppend, CollectExtend, CollectReplace, "":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidCollectMode, c.Mode)
	}
	if !c.Backoff.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidBackoff, c.Backoff)
	}
	if c.Else != nil {
		return c.Else.validate(tasks)
	}
	return nil
}

// Normalize fills defaults and desugars shorthand forms. Tools that carry
// policy rules become one-element task sequences, and workbook references
// are resolved against the playbook's task catalog
func (p *Playbook) Normalize() error {
	for _, s := range p.Workflow {
		if err := p.normalizeStep(s); err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
	}
	return nil
}

func (p *Playbook) normalizeStep(s *Step) error {
	if s.Loop != nil {
		if s.Loop.Iterator == "" {
			s.Loop.Iterator = DefaultIterator
		}
		if s.Loop.Mode == "" {
			s.Loop.Mode = LoopSequential
		}
	}
	if s.Next != nil && s.Next.Spec.Mode == "" {
		s.Next.Spec.Mode = NextExclusive
	}

	for _, t := range s.Pipeline {
		if err := p.resolveWorkbookRef(t); err != nil {
			return err
		}
	}

	if s.Tool == nil {
		return nil
	}
	if s.Tool.Kind == ToolWorkbook {
		task, err := p.resolveWorkbookTool(s.Tool)
		if err != nil {
			return err
		}
		if len(task.Eval) > 0 {
			s.Pipeline = []*Task{task}
			s.Tool = nil
			return nil
		}
		s.Tool = task.Tool
	}

	// Policy rules only make sense with task-sequence semantics, so a
	// single tool carrying them is rewritten as a one-task pipeline
	if s.Tool.Spec != nil && s.Tool.Spec.Policy != nil &&
		len(s.Tool.Spec.Policy.Rules) > 0 {
		rules := s.Tool.Spec.Policy.Rules
		tool := &ToolSpec{Kind: s.Tool.Kind, Config: s.Tool.Config}
		s.Pipeline = []*Task{{Name: s.Name, Tool: tool, Eval: rules}}
		s.Tool = nil
	}
	return nil
}

func (p *Playbook) resolveWorkbookRef(t *Task) error {
	if t.Tool == nil || t.Tool.Kind != ToolWorkbook {
		return nil
	}
	resolved, err := p.resolveWorkbookTool(t.Tool)
	if err != nil {
		return err
	}
	t.Tool = resolved.Tool
	if len(t.Eval) == 0 {
		t.Eval = resolved.Eval
	}
	return nil
}

func (p *Playbook) resolveWorkbookTool(ts *ToolSpec) (*Task, error) {
	name := ts.Config.GetString("name", ts.Config.GetString("task", ""))
	task := p.WorkbookTask(name)
	if task == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkbookTask, name)
	}
	if task.Tool.Kind == ToolWorkbook {
		return nil, fmt.Errorf("%w: %s", ErrNestedWorkbookRef, name)
	}
	return task, nil
}

// EntryStep resolves the step an execution begins with: the executor
// override when present, the conventional start step when one exists, and
// the first workflow step otherwise
func (p *Playbook) EntryStep() *Step {
	if entry := p.entryOverride(); entry != "" {
		return p.Step(entry)
	}
	if s := p.Step(EntryStepName); s != nil {
		return s
	}
	if len(p.Workflow) == 0 {
		return nil
	}
	return p.Workflow[0]
}

func (p *Playbook) entryOverride() string {
	if p.Executor == nil {
		return ""
	}
	return p.Executor.Spec.EntryStep
}

// FinalStep returns the declared final step name, if any
func (p *Playbook) FinalStep() string {
	if p.Executor == nil {
		return ""
	}
	return p.Executor.Spec.FinalStep
}

// Step looks up a workflow step by name
func (p *Playbook) Step(name string) *Step {
	for _, s := range p.Workflow {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// WorkbookTask looks up a task in the playbook-local catalog by name
func (p *Playbook) WorkbookTask(name string) *Task {
	for _, t := range p.Workbook {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// HasLoop reports whether the step iterates over a collection
func (s *Step) HasLoop() bool {
	return s.Loop != nil
}

// IsPipeline reports whether the step runs a task sequence
func (s *Step) IsPipeline() bool {
	return len(s.Pipeline) > 0
}

// TaskNames lists the pipeline's task names in order
func (s *Step) TaskNames() []string {
	if len(s.Pipeline) == 0 {
		return nil
	}
	names := make([]string, len(s.Pipeline))
	for i, t := range s.Pipeline {
		names[i] = t.Name
	}
	return names
}

// NextMode returns the routing mode, defaulting to exclusive
func (s *Step) NextMode() NextMode {
	if s.Next == nil || s.Next.Spec.Mode == "" {
		return NextExclusive
	}
	return s.Next.Spec.Mode
}

// MaxInFlight returns the loop's parallelism bound. Sequential loops always
// run one iteration at a time
func (l *Loop) MaxInFlight() int {
	if l.Mode != LoopParallel {
		return 1
	}
	if l.Spec.MaxInFlight >= 1 {
		return l.Spec.MaxInFlight
	}
	return DefaultLoopMaxInFlight
}
