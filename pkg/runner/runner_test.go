package runner

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stepflow-io/stepflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Infof(format string, args ...interface{})  { l.t.Logf(format, args...) }
func (l testLogger) Errorf(format string, args ...interface{}) { l.t.Logf(format, args...) }

func newTestRunner(t *testing.T) *Runner {
	r := NewRunner(context.Background(), testLogger{t}, 4)
	t.Cleanup(r.Stop)
	return r
}

func constAction(v any) workflow.Action {
	return workflow.ActionFunc(func(ctx context.Context, wc *workflow.Context) (any, error) {
		return v, nil
	})
}

func fetchSumWorkflow(t *testing.T) *workflow.Workflow {
	wf, err := workflow.New("fetch-sum").
		Step("fetch", constAction([]float64{1, 2, 3})).
		Step("sum", workflow.ActionFunc(func(ctx context.Context, wc *workflow.Context) (any, error) {
			items, _ := wc.Get("fetch")
			total := 0.0
			for _, v := range items.([]float64) {
				total += v
			}
			return total, nil
		})).
		Build()
	require.NoError(t, err)
	return wf
}

func TestRunnerLinearOrder(t *testing.T) {
	r := newTestRunner(t)

	var order []string
	record := func(name string) workflow.Action {
		return workflow.ActionFunc(func(ctx context.Context, wc *workflow.Context) (any, error) {
			order = append(order, name)
			return name, nil
		})
	}
	wf, err := workflow.New("ordered").
		Step("one", record("one")).
		Step("two", record("two")).
		Step("three", record("three")).
		Build()
	require.NoError(t, err)

	wc, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, order)

	out, ok := wc.Get("three")
	require.True(t, ok)
	assert.Equal(t, "three", out)
}

func TestRunnerFetchSum(t *testing.T) {
	r := newTestRunner(t)

	wc, err := r.Run(context.Background(), fetchSumWorkflow(t), nil)
	require.NoError(t, err)

	total, ok := wc.Get("sum")
	require.True(t, ok)
	assert.Equal(t, 6.0, total)
}

// Two runs over the same definition and inputs produce the same final
// context.
func TestRunnerDeterministic(t *testing.T) {
	r := newTestRunner(t)
	wf := fetchSumWorkflow(t)

	first, err := r.Run(context.Background(), wf, map[string]any{"seed": 1})
	require.NoError(t, err)
	second, err := r.Run(context.Background(), wf, map[string]any{"seed": 1})
	require.NoError(t, err)

	assert.Equal(t, first.Snapshot(), second.Snapshot())
}

func TestRunnerFailureStopsRun(t *testing.T) {
	r := newTestRunner(t)

	boom := fmt.Errorf("upstream down")
	var laterRan bool
	var hookCalls []string
	wf, err := workflow.New("failing").
		Step("ok", constAction("ok")).
		Step("broken", workflow.ActionFunc(func(ctx context.Context, wc *workflow.Context) (any, error) {
			return nil, boom
		})).
		Step("later", workflow.ActionFunc(func(ctx context.Context, wc *workflow.Context) (any, error) {
			laterRan = true
			return nil, nil
		})).
		OnError(func(wc *workflow.Context, stepName string, err error) {
			hookCalls = append(hookCalls, stepName)
		}).
		Build()
	require.NoError(t, err)

	_, err = r.Run(context.Background(), wf, nil)
	require.Error(t, err)

	var stepErr *workflow.StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "broken", stepErr.StepName)
	assert.ErrorIs(t, err, boom)

	assert.False(t, laterRan)
	assert.Equal(t, []string{"broken"}, hookCalls)
}

// A step skipped because its condition was false must not execute
// later in the run, even when a later step's output makes the
// condition true. Declared order is the only execution order.
func TestRunnerSkippedStepStaysSkipped(t *testing.T) {
	r := newTestRunner(t)

	var order []string
	wf, err := workflow.New("guarded").
		Step("guarded", workflow.ActionFunc(func(ctx context.Context, wc *workflow.Context) (any, error) {
			order = append(order, "guarded")
			return nil, nil
		}), workflow.WithCondition(func(wc *workflow.Context) (bool, error) {
			return wc.Has("setter"), nil
		})).
		Step("setter", workflow.ActionFunc(func(ctx context.Context, wc *workflow.Context) (any, error) {
			order = append(order, "setter")
			return "done", nil
		})).
		Build()
	require.NoError(t, err)

	wc, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)

	// setter's output satisfies guarded's condition, but the skip
	// decision already happened.
	assert.Equal(t, []string{"setter"}, order)
	assert.False(t, wc.Has("guarded"))
}

// Definitions built for distributed execution carry action names only;
// running one locally must fail cleanly instead of panicking.
func TestRunnerNilActionFails(t *testing.T) {
	r := newTestRunner(t)

	wf, err := workflow.New("remote-only").
		Step("fetch", nil).
		Build()
	require.NoError(t, err)

	_, err = r.Run(context.Background(), wf, nil)
	require.Error(t, err)

	var stepErr *workflow.StepExecutionError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "fetch", stepErr.StepName)
	assert.Contains(t, err.Error(), "no action bound")
}

func TestRunnerConditionSkipsStep(t *testing.T) {
	r := newTestRunner(t)

	var skippedRan bool
	wf, err := workflow.New("conditional").
		Step("always", constAction("yes")).
		Step("skipped", workflow.ActionFunc(func(ctx context.Context, wc *workflow.Context) (any, error) {
			skippedRan = true
			return nil, nil
		}), workflow.WithCondition(func(wc *workflow.Context) (bool, error) {
			return false, nil
		})).
		Step("final", constAction("done")).
		Build()
	require.NoError(t, err)

	wc, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)

	assert.False(t, skippedRan)
	assert.False(t, wc.Has("skipped"))
	assert.True(t, wc.Has("final"))
}

func TestRunnerSwitchTakesOnlyMatchingBranch(t *testing.T) {
	r := newTestRunner(t)

	var ranA, ranB bool
	wf, err := workflow.New("branching").
		Step("classify", constAction("b")).
		Switch("route",
			workflow.Branch{
				Name: "path_a",
				Condition: func(wc *workflow.Context) (bool, error) {
					v, _ := wc.Get("classify")
					return v == "a", nil
				},
				Steps: []workflow.Step{{Name: "handle_a", ActionName: "handle_a", Action: workflow.ActionFunc(func(ctx context.Context, wc *workflow.Context) (any, error) {
					ranA = true
					return "a-done", nil
				})}},
			},
			workflow.Branch{
				Name: "path_b",
				Condition: func(wc *workflow.Context) (bool, error) {
					v, _ := wc.Get("classify")
					return v == "b", nil
				},
				Steps: []workflow.Step{{Name: "handle_b", ActionName: "handle_b", Action: workflow.ActionFunc(func(ctx context.Context, wc *workflow.Context) (any, error) {
					ranB = true
					return "b-done", nil
				})}},
			},
		).
		Build()
	require.NoError(t, err)

	wc, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)

	assert.False(t, ranA)
	assert.True(t, ranB)

	choice, _ := wc.Get("route")
	assert.Equal(t, "path_b", choice)
	out, _ := wc.Get("handle_b")
	assert.Equal(t, "b-done", out)
}

func TestRunnerNoBranchMatched(t *testing.T) {
	r := newTestRunner(t)

	wf, err := workflow.New("no-match").
		Switch("route",
			workflow.Branch{
				Name:      "never",
				Condition: func(wc *workflow.Context) (bool, error) { return false, nil },
				Steps:     []workflow.Step{{Name: "unreached", ActionName: "unreached", Action: constAction(nil)}},
			},
		).
		Build()
	require.NoError(t, err)

	_, err = r.Run(context.Background(), wf, nil)
	assert.ErrorIs(t, err, workflow.ErrNoBranchMatched)
}

func TestRunnerRetriesUntilSuccess(t *testing.T) {
	r := newTestRunner(t)

	var calls atomic.Int32
	wf, err := workflow.New("flaky").
		Step("flaky", workflow.ActionFunc(func(ctx context.Context, wc *workflow.Context) (any, error) {
			if calls.Add(1) < 3 {
				return nil, fmt.Errorf("transient")
			}
			return "recovered", nil
		}), workflow.WithRetry(workflow.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond})).
		Build()
	require.NoError(t, err)

	wc, err := r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	out, _ := wc.Get("flaky")
	assert.Equal(t, "recovered", out)
}

func TestRunnerRetriesExhausted(t *testing.T) {
	r := newTestRunner(t)

	var calls atomic.Int32
	wf, err := workflow.New("hopeless").
		Step("hopeless", workflow.ActionFunc(func(ctx context.Context, wc *workflow.Context) (any, error) {
			calls.Add(1)
			return nil, fmt.Errorf("permanent")
		}), workflow.WithRetry(workflow.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond})).
		Build()
	require.NoError(t, err)

	_, err = r.Run(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunnerStepTimeout(t *testing.T) {
	r := newTestRunner(t)

	wf, err := workflow.New("slow").
		Step("slow", workflow.ActionFunc(func(ctx context.Context, wc *workflow.Context) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}), workflow.WithTimeout(20*time.Millisecond)).
		Build()
	require.NoError(t, err)

	start := time.Now()
	_, err = r.Run(context.Background(), wf, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunnerHooks(t *testing.T) {
	r := newTestRunner(t)

	var events []string
	wf, err := workflow.New("hooked").
		BeforeAll(func(wc *workflow.Context) error {
			events = append(events, "before")
			wc.Set("injected", true)
			return nil
		}).
		Step("work", workflow.ActionFunc(func(ctx context.Context, wc *workflow.Context) (any, error) {
			events = append(events, "work")
			assert.True(t, wc.Has("injected"))
			return nil, nil
		})).
		AfterAll(func(wc *workflow.Context) error {
			events = append(events, "after")
			return nil
		}).
		Build()
	require.NoError(t, err)

	_, err = r.Run(context.Background(), wf, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "work", "after"}, events)
}
