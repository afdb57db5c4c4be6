package worker_test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	internal_http "github.com/stepflow-io/stepflow/internal/http"
	"github.com/stepflow-io/stepflow/internal/log"
	"github.com/stepflow-io/stepflow/pkg/models"
	"github.com/stepflow-io/stepflow/pkg/runner"
	"github.com/stepflow-io/stepflow/pkg/storage"
	"github.com/stepflow-io/stepflow/pkg/worker"
	"github.com/stepflow-io/stepflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, wf *workflow.Workflow) (*httptest.Server, *runner.DistributedRunner, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	d := runner.NewDistributedRunner(store, log.GetLogger())
	require.NoError(t, d.RegisterWorkflow(wf))
	t.Cleanup(d.Stop)

	srv := httptest.NewServer(internal_http.NewMux(d))
	t.Cleanup(srv.Close)
	return srv, d, store
}

func waitForStatus(t *testing.T, d *runner.DistributedRunner, runID string, want models.RunStatus) runner.RunReport {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		report, err := d.Status(runID)
		require.NoError(t, err)
		if report.Status == want {
			return report
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached status %s", runID, want)
	return runner.RunReport{}
}

func TestWorkerExecutesRunEndToEnd(t *testing.T) {
	wf, err := workflow.New("fetch-sum").
		Step("fetch", nil).
		Step("sum", nil).
		Build()
	require.NoError(t, err)

	srv, d, _ := startTestServer(t, wf)

	reg := workflow.NewRegistry()
	require.NoError(t, reg.RegisterFunc("fetch", func(ctx context.Context, wc *workflow.Context) (any, error) {
		return []any{10.0, 20.0}, nil
	}))
	require.NoError(t, reg.RegisterFunc("sum", func(ctx context.Context, wc *workflow.Context) (any, error) {
		items, _ := wc.Get("fetch")
		total := 0.0
		for _, v := range items.([]any) {
			total += v.(float64)
		}
		return total, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := worker.New(srv.URL, "worker-1", reg, log.GetLogger(), worker.WithPollInterval(5*time.Millisecond))
	go w.Run(ctx)

	runID, err := d.Submit("fetch-sum", nil)
	require.NoError(t, err)

	report := waitForStatus(t, d, runID, models.CompletedRunStatus)
	require.Len(t, report.CompletedSteps, 2)
	assert.Equal(t, 30.0, report.CompletedSteps[1].Output)
}

func TestWorkerReportsUnregisteredAction(t *testing.T) {
	wf, err := workflow.New("typo").
		Step("mystery", nil).
		Build()
	require.NoError(t, err)

	srv, d, store := startTestServer(t, wf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := worker.New(srv.URL, "worker-1", workflow.NewRegistry(), log.GetLogger(), worker.WithPollInterval(5*time.Millisecond))
	go w.Run(ctx)

	runID, err := d.Submit("typo", nil)
	require.NoError(t, err)

	waitForStatus(t, d, runID, models.FailedRunStatus)

	checkpoints, err := store.ListCheckpoints(runID)
	require.NoError(t, err)
	require.NotEmpty(t, checkpoints)
	assert.Equal(t, models.FailedCheckpointStatus, checkpoints[0].Status)
	assert.Contains(t, checkpoints[0].ErrorMsg, "not registered")
}

func TestWorkerFailureTriggersServerSideRetry(t *testing.T) {
	wf, err := workflow.New("flaky").
		Step("flaky", nil, workflow.WithRetry(workflow.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond})).
		Build()
	require.NoError(t, err)

	srv, d, _ := startTestServer(t, wf)

	calls := 0
	reg := workflow.NewRegistry()
	require.NoError(t, reg.RegisterFunc("flaky", func(ctx context.Context, wc *workflow.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("transient")
		}
		return "recovered", nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := worker.New(srv.URL, "worker-1", reg, log.GetLogger(), worker.WithPollInterval(5*time.Millisecond))
	go w.Run(ctx)

	runID, err := d.Submit("flaky", nil)
	require.NoError(t, err)

	report := waitForStatus(t, d, runID, models.CompletedRunStatus)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "recovered", report.CompletedSteps[len(report.CompletedSteps)-1].Output)
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	wf, err := workflow.New("idle").Step("noop", nil).Build()
	require.NoError(t, err)
	srv, _, _ := startTestServer(t, wf)

	ctx, cancel := context.WithCancel(context.Background())
	w := worker.New(srv.URL, "worker-1", workflow.NewRegistry(), log.GetLogger(), worker.WithPollInterval(5*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestWorkerTimesOutSlowStep(t *testing.T) {
	timeout := 20 * time.Millisecond
	wf, err := workflow.New("slow").
		Step("slow", nil, workflow.WithTimeout(timeout)).
		Build()
	require.NoError(t, err)

	srv, d, store := startTestServer(t, wf)

	reg := workflow.NewRegistry()
	require.NoError(t, reg.RegisterFunc("slow", func(ctx context.Context, wc *workflow.Context) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := worker.New(srv.URL, "worker-1", reg, log.GetLogger(), worker.WithPollInterval(5*time.Millisecond))
	go w.Run(ctx)

	runID, err := d.Submit("slow", nil)
	require.NoError(t, err)

	waitForStatus(t, d, runID, models.FailedRunStatus)

	checkpoints, err := store.ListCheckpoints(runID)
	require.NoError(t, err)
	require.NotEmpty(t, checkpoints)
	assert.Contains(t, checkpoints[0].ErrorMsg, "deadline exceeded")
}
