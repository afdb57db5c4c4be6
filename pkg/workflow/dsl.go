package workflow

import (
	"fmt"
	"os"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	goyaml "gopkg.in/yaml.v3"
)

// Definition is the declarative (YAML) form of a workflow. Loading a
// definition produces a Workflow equivalent to one built in code; all
// execution semantics are identical.
type Definition struct {
	Name  string           `yaml:"name"`
	Steps []StepDefinition `yaml:"steps"`
}

type StepDefinition struct {
	Name    string             `yaml:"name"`
	Action  string             `yaml:"action"`
	When    string             `yaml:"when,omitempty"`
	Timeout string             `yaml:"timeout,omitempty"`
	Retry   *RetryDefinition   `yaml:"retry,omitempty"`
	Switch  []BranchDefinition `yaml:"switch,omitempty"`
}

type RetryDefinition struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Backoff     string `yaml:"backoff,omitempty"`
}

type BranchDefinition struct {
	Name  string           `yaml:"name"`
	When  string           `yaml:"when"`
	Steps []StepDefinition `yaml:"steps"`
}

// Load reads a YAML workflow definition from disk and compiles it
// against the given action registry.
func Load(path string, reg *Registry) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading workflow file: %w", err)
	}
	return Parse(data, reg)
}

// Parse compiles a YAML workflow definition. Unknown actions, bad
// expressions and duplicate step names all fail here, before any run
// can be submitted. A nil registry skips action resolution; use it
// where only sequencing matters (the job server) and workers hold the
// action implementations.
func Parse(data []byte, reg *Registry) (*Workflow, error) {
	var def Definition
	if err := goyaml.Unmarshal(data, &def); err != nil {
		return nil, &DefinitionError{Workflow: def.Name, Reason: fmt.Sprintf("error unmarshalling YAML: %v", err)}
	}
	steps, err := compileSteps(def.Name, def.Steps, reg)
	if err != nil {
		return nil, err
	}
	wf := &Workflow{Name: def.Name, Steps: steps}
	if err := validate(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

func compileSteps(wfName string, defs []StepDefinition, reg *Registry) ([]Step, error) {
	steps := make([]Step, 0, len(defs))
	for _, d := range defs {
		if len(d.Switch) > 0 {
			if d.Action != "" {
				return nil, &DefinitionError{Workflow: wfName, Reason: fmt.Sprintf("switch step '%s' cannot carry an action", d.Name)}
			}
			branches := make([]Branch, 0, len(d.Switch))
			for _, bd := range d.Switch {
				cond, err := compileCondition(wfName, bd.Name, bd.When)
				if err != nil {
					return nil, err
				}
				branchSteps, err := compileSteps(wfName, bd.Steps, reg)
				if err != nil {
					return nil, err
				}
				branches = append(branches, Branch{Name: bd.Name, Condition: cond, Steps: branchSteps})
			}
			steps = append(steps, Step{Name: d.Name, Branches: branches})
			continue
		}

		actionName := d.Action
		if actionName == "" {
			actionName = d.Name
		}
		var action Action
		if reg != nil {
			resolved, ok := reg.Resolve(actionName)
			if !ok {
				return nil, &DefinitionError{Workflow: wfName, Reason: fmt.Sprintf("step '%s' references unregistered action '%s'", d.Name, actionName)}
			}
			action = resolved
		}

		step := Step{Name: d.Name, ActionName: actionName, Action: action}
		if d.When != "" {
			cond, err := compileCondition(wfName, d.Name, d.When)
			if err != nil {
				return nil, err
			}
			step.Condition = cond
		}
		if d.Timeout != "" {
			t, err := time.ParseDuration(d.Timeout)
			if err != nil {
				return nil, &DefinitionError{Workflow: wfName, Reason: fmt.Sprintf("step '%s' has invalid timeout '%s'", d.Name, d.Timeout)}
			}
			step.Timeout = &t
		}
		if d.Retry != nil {
			step.Retry.MaxAttempts = d.Retry.MaxAttempts
			if d.Retry.Backoff != "" {
				b, err := time.ParseDuration(d.Retry.Backoff)
				if err != nil {
					return nil, &DefinitionError{Workflow: wfName, Reason: fmt.Sprintf("step '%s' has invalid backoff '%s'", d.Name, d.Retry.Backoff)}
				}
				step.Retry.Backoff = b
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// compileCondition compiles a `when:` expression into a Condition.
// Expressions are evaluated against a snapshot of the run's context;
// missing variables evaluate to nil instead of erroring so conditions
// can probe for keys earlier steps may not have written.
func compileCondition(wfName, stepName, expression string) (Condition, error) {
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, &DefinitionError{Workflow: wfName, Reason: fmt.Sprintf("step '%s' has invalid condition '%s': %v", stepName, expression, err)}
	}
	return exprCondition(program), nil
}

func exprCondition(program *vm.Program) Condition {
	return func(wc *Context) (bool, error) {
		out, err := expr.Run(program, wc.Snapshot())
		if err != nil {
			return false, err
		}
		matched, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("condition evaluated to %T, want bool", out)
		}
		return matched, nil
	}
}
