package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/stepflow-io/stepflow/internal/log"
	"github.com/stepflow-io/stepflow/pkg/runner"
	"github.com/stepflow-io/stepflow/pkg/storage"
)

// NewMux wires the job server's routes against a distributed runner.
func NewMux(d *runner.DistributedRunner) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/runs", RunsHandler(d))
	mux.HandleFunc("/runs/", RunByIDHandler(d))
	mux.HandleFunc("/tasks/claim", ClaimHandler(d))
	mux.HandleFunc("/tasks/report", ReportHandler(d))
	return mux
}

// StartServer serves the job server API on the given port.
func StartServer(port string, d *runner.DistributedRunner) error {
	log.GetLogger().Infof("Starting stepflow server on :%s", port)
	return http.ListenAndServe(":"+port, NewMux(d))
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "stepflow server is running")
}

// SubmitRequest is the body of POST /runs.
type SubmitRequest struct {
	Workflow string         `json:"workflow"`
	Context  map[string]any `json:"context,omitempty"`
}

// SubmitResponse is the body returned for an accepted run.
type SubmitResponse struct {
	RunID string `json:"run_id"`
}

// RunsHandler serves GET /runs (list) and POST /runs (submit).
func RunsHandler(d *runner.DistributedRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listRuns(w, d)
		case http.MethodPost:
			submitRun(w, r, d)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func submitRun(w http.ResponseWriter, r *http.Request, d *runner.DistributedRunner) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Workflow == "" {
		log.GetLogger().Error("Missing 'workflow' field in POST /runs")
		http.Error(w, "Missing 'workflow' field", http.StatusBadRequest)
		return
	}
	runID, err := d.Submit(req.Workflow, req.Context)
	if err != nil {
		log.GetLogger().Errorf("Failed to submit run: %v", err)
		http.Error(w, fmt.Sprintf("Failed to submit run: %v", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{RunID: runID})
}

func listRuns(w http.ResponseWriter, d *runner.DistributedRunner) {
	runs, err := d.List()
	if err != nil {
		log.GetLogger().Errorf("Failed to list runs: %v", err)
		http.Error(w, fmt.Sprintf("Failed to list runs: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// RunByIDHandler serves GET /runs/{id} (status) and
// POST /runs/{id}/cancel.
func RunByIDHandler(d *runner.DistributedRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/runs/")
		parts := strings.Split(strings.Trim(rest, "/"), "/")

		switch {
		case r.Method == http.MethodGet && len(parts) == 1 && parts[0] != "":
			runStatus(w, d, parts[0])
		case r.Method == http.MethodPost && len(parts) == 2 && parts[1] == "cancel":
			cancelRun(w, d, parts[0])
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	}
}

func runStatus(w http.ResponseWriter, d *runner.DistributedRunner, runID string) {
	report, err := d.Status(runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Run '%s' not found", runID), http.StatusNotFound)
			return
		}
		log.GetLogger().Errorf("Failed to get status of run %s: %v", runID, err)
		http.Error(w, fmt.Sprintf("Failed to get run status: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func cancelRun(w http.ResponseWriter, d *runner.DistributedRunner, runID string) {
	if err := d.Cancel(runID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Run '%s' not found", runID), http.StatusNotFound)
			return
		}
		log.GetLogger().Errorf("Failed to cancel run %s: %v", runID, err)
		http.Error(w, fmt.Sprintf("Failed to cancel run: %v", err), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "CANCELLED"})
}

// ClaimRequest is the body of POST /tasks/claim.
type ClaimRequest struct {
	WorkerID string `json:"worker_id"`
}

// ClaimHandler hands one eligible task to the requesting worker, or
// responds 204 when none is available (callers back off and retry).
func ClaimHandler(d *runner.DistributedRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req ClaimRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.WorkerID == "" {
			http.Error(w, "Missing 'worker_id' field", http.StatusBadRequest)
			return
		}
		task, err := d.Claim(req.WorkerID)
		if err != nil {
			log.GetLogger().Errorf("Failed to claim task for worker %s: %v", req.WorkerID, err)
			http.Error(w, fmt.Sprintf("Failed to claim task: %v", err), http.StatusInternalServerError)
			return
		}
		if task == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

// ReportRequest is the body of POST /tasks/report.
type ReportRequest struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Output   any    `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ReportHandler applies a worker's outcome. A stale claim is rejected
// with 409 and never reaches the checkpoint store.
func ReportHandler(d *runner.DistributedRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req ReportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		if req.TaskID == "" || req.WorkerID == "" {
			http.Error(w, "Missing 'task_id' or 'worker_id' field", http.StatusBadRequest)
			return
		}
		err := d.Report(req.TaskID, req.WorkerID, req.Output, req.Error)
		switch {
		case errors.Is(err, runner.ErrClaimExpired):
			http.Error(w, "Claim expired", http.StatusConflict)
		case errors.Is(err, runner.ErrTaskNotFound):
			http.Error(w, "Task not found", http.StatusNotFound)
		case err != nil:
			log.GetLogger().Errorf("Failed to apply report for task %s: %v", req.TaskID, err)
			http.Error(w, fmt.Sprintf("Failed to apply report: %v", err), http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusOK, map[string]string{"task_id": req.TaskID, "status": "accepted"})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
