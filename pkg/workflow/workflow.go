package workflow

import (
	"fmt"
	"time"
)

// Hook runs at a run's lifecycle boundary. A nil hook is a no-op.
type Hook func(wc *Context) error

// ErrorHook is invoked once when a step fails, with the failing step's
// name and the error that failed it.
type ErrorHook func(wc *Context, stepName string, err error)

// Workflow is an immutable, ordered collection of steps plus lifecycle
// hooks. Build one with a Builder (or the DSL loader) and share it
// across any number of runs.
type Workflow struct {
	Name      string
	Steps     []Step
	BeforeAll Hook
	AfterAll  Hook
	OnError   ErrorHook
}

// Builder assembles a Workflow. Validation happens in Build, so a
// malformed definition never produces a usable Workflow.
type Builder struct {
	wf Workflow
}

func New(name string) *Builder {
	return &Builder{wf: Workflow{Name: name}}
}

// Step appends a plain step executing action under the given name.
func (b *Builder) Step(name string, action Action, opts ...StepOption) *Builder {
	s := Step{Name: name, ActionName: name, Action: action}
	for _, opt := range opts {
		opt(&s)
	}
	b.wf.Steps = append(b.wf.Steps, s)
	return b
}

// Switch appends a switch step selecting the first branch whose
// condition evaluates true, in declaration order.
func (b *Builder) Switch(name string, branches ...Branch) *Builder {
	b.wf.Steps = append(b.wf.Steps, Step{Name: name, Branches: branches})
	return b
}

func (b *Builder) BeforeAll(h Hook) *Builder {
	b.wf.BeforeAll = h
	return b
}

func (b *Builder) AfterAll(h Hook) *Builder {
	b.wf.AfterAll = h
	return b
}

func (b *Builder) OnError(h ErrorHook) *Builder {
	b.wf.OnError = h
	return b
}

// Build validates the assembled workflow and returns it.
func (b *Builder) Build() (*Workflow, error) {
	wf := b.wf
	if err := validate(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// StepOption configures a step at definition time.
type StepOption func(*Step)

// WithCondition attaches a predicate; the step is skipped without
// executing or checkpointing when it evaluates false.
func WithCondition(c Condition) StepOption {
	return func(s *Step) { s.Condition = c }
}

// WithRetry sets the step's retry policy.
func WithRetry(p RetryPolicy) StepOption {
	return func(s *Step) { s.Retry = p }
}

// WithTimeout bounds a single execution attempt.
func WithTimeout(d time.Duration) StepOption {
	return func(s *Step) {
		s.Timeout = &d
	}
}

// WithAction overrides the registry key the step's action resolves
// under in distributed mode (defaults to the step name).
func WithAction(actionName string) StepOption {
	return func(s *Step) { s.ActionName = actionName }
}

func validate(wf *Workflow) error {
	if wf.Name == "" {
		return &DefinitionError{Workflow: wf.Name, Reason: "empty workflow name"}
	}
	seen := make(map[string]struct{})
	var walk func(steps []Step) error
	walk = func(steps []Step) error {
		for _, s := range steps {
			if s.Name == "" {
				return &DefinitionError{Workflow: wf.Name, Reason: "empty step name"}
			}
			if _, dup := seen[s.Name]; dup {
				return &DefinitionError{Workflow: wf.Name, Reason: fmt.Sprintf("duplicate step name '%s'", s.Name)}
			}
			seen[s.Name] = struct{}{}
			if s.IsSwitch() {
				if s.Action != nil {
					return &DefinitionError{Workflow: wf.Name, Reason: fmt.Sprintf("switch step '%s' cannot carry an action", s.Name)}
				}
				branchNames := make(map[string]struct{})
				for _, br := range s.Branches {
					if br.Name == "" {
						return &DefinitionError{Workflow: wf.Name, Reason: fmt.Sprintf("switch step '%s' has an unnamed branch", s.Name)}
					}
					if _, dup := branchNames[br.Name]; dup {
						return &DefinitionError{Workflow: wf.Name, Reason: fmt.Sprintf("switch step '%s' has duplicate branch '%s'", s.Name, br.Name)}
					}
					branchNames[br.Name] = struct{}{}
					if err := walk(br.Steps); err != nil {
						return err
					}
				}
			} else if s.Action == nil && s.ActionName == "" {
				return &DefinitionError{Workflow: wf.Name, Reason: fmt.Sprintf("step '%s' has no action", s.Name)}
			}
		}
		return nil
	}
	return walk(wf.Steps)
}

// StepByName finds a step (including branch steps) by name.
func (w *Workflow) StepByName(name string) (Step, bool) {
	var find func(steps []Step) (Step, bool)
	find = func(steps []Step) (Step, bool) {
		for _, s := range steps {
			if s.Name == name {
				return s, true
			}
			for _, br := range s.Branches {
				if found, ok := find(br.Steps); ok {
					return found, true
				}
			}
		}
		return Step{}, false
	}
	return find(w.Steps)
}
