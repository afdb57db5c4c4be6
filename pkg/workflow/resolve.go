package workflow

import "fmt"

// NextStep returns the first step of the workflow not yet completed,
// following the declared order and any taken switch branches.
// Completed switch steps record their chosen branch name in the
// context under the switch step's name, so the decision is stable
// across resumes even when later steps mutate the keys the branch
// predicates read.
//
// Conditional steps whose predicate evaluates false are skipped for
// the life of the run: they are marked in the completed set and also
// returned by name so callers can persist the decision. A skipped
// step is never revisited, even if a later step's output would flip
// its condition to true.
//
// A nil step with a nil error means the run has no work left. A switch
// step itself is returned while undecided; callers resolve it with
// SelectBranch and mark it completed before asking again.
func (w *Workflow) NextStep(completed map[string]bool, wc *Context) (*Step, []string, error) {
	return nextIn(w.Steps, completed, wc)
}

func nextIn(steps []Step, completed map[string]bool, wc *Context) (*Step, []string, error) {
	var skipped []string
	for i := range steps {
		s := &steps[i]
		if s.IsSwitch() {
			if !completed[s.Name] {
				return s, skipped, nil
			}
			branchName, _ := wc.Get(s.Name)
			name, ok := branchName.(string)
			if !ok {
				return nil, skipped, NewStepExecutionError(s.Name, fmt.Errorf("recorded branch choice %v is not a string", branchName))
			}
			branch, ok := s.branch(name)
			if !ok {
				return nil, skipped, NewStepExecutionError(s.Name, fmt.Errorf("recorded branch '%s' does not exist", name))
			}
			next, more, err := nextIn(branch.Steps, completed, wc)
			skipped = append(skipped, more...)
			if err != nil || next != nil {
				return next, skipped, err
			}
			continue
		}

		if completed[s.Name] {
			continue
		}
		if s.Condition != nil {
			ok, err := s.Condition(wc)
			if err != nil {
				return nil, skipped, NewStepExecutionError(s.Name, err)
			}
			if !ok {
				completed[s.Name] = true
				skipped = append(skipped, s.Name)
				continue
			}
		}
		return s, skipped, nil
	}
	return nil, skipped, nil
}

// SelectBranch picks the first branch whose predicate evaluates true,
// in declaration order. No match is an error condition.
func (s *Step) SelectBranch(wc *Context) (*Branch, error) {
	for i := range s.Branches {
		br := &s.Branches[i]
		if br.Condition == nil {
			return br, nil
		}
		ok, err := br.Condition(wc)
		if err != nil {
			return nil, NewStepExecutionError(s.Name, err)
		}
		if ok {
			return br, nil
		}
	}
	return nil, NewStepExecutionError(s.Name, ErrNoBranchMatched)
}

func (s *Step) branch(name string) (*Branch, bool) {
	for i := range s.Branches {
		if s.Branches[i].Name == name {
			return &s.Branches[i], true
		}
	}
	return nil, false
}
