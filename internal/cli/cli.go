package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	internal_http "github.com/stepflow-io/stepflow/internal/http"
	"github.com/stepflow-io/stepflow/internal/log"
	internal_storage "github.com/stepflow-io/stepflow/internal/storage"
	"github.com/stepflow-io/stepflow/pkg/models"
	"github.com/stepflow-io/stepflow/pkg/runner"
	"github.com/stepflow-io/stepflow/pkg/storage"
	"github.com/stepflow-io/stepflow/pkg/worker"
	"github.com/stepflow-io/stepflow/pkg/workflow"
)

// SetupCLI wires the stepflow commands onto rootCmd. The registry
// holds the action implementations the `work` command executes;
// binaries embedding stepflow register their actions on it before
// calling Execute. A nil registry disables the `work` command.
func SetupCLI(rootCmd *cobra.Command, reg *workflow.Registry) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the job server",
		Run: func(cmd *cobra.Command, args []string) {
			if err := godotenv.Load(); err != nil {
				log.GetLogger().Debugf("No .env file found: %v", err)
			}
			port, _ := cmd.Flags().GetString("port")
			dbConnStr, _ := cmd.Flags().GetString("db")
			sqlitePath, _ := cmd.Flags().GetString("sqlite")
			workflowDir, _ := cmd.Flags().GetString("workflows")
			claimTTL, _ := cmd.Flags().GetDuration("claim-ttl")

			store := initStore(dbConnStr, sqlitePath)
			defer store.Close()

			d := runner.NewDistributedRunner(store, log.GetLogger(), runner.WithClaimTTL(claimTTL))
			if workflowDir != "" {
				loadWorkflows(d, workflowDir)
			}
			if err := d.Recover(); err != nil {
				log.GetLogger().Errorf("Failed to recover pending runs: %v", err)
				os.Exit(1)
			}
			d.StartSweeper(0)
			defer d.Stop()

			if err := internal_http.StartServer(port, d); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "Port to serve on")
	serveCmd.Flags().String("db", "", "PostgreSQL connection string (uses SQLite when empty)")
	serveCmd.Flags().String("sqlite", "stepflow.db", "SQLite database path")
	serveCmd.Flags().String("workflows", "", "Directory of YAML workflow definitions")
	serveCmd.Flags().Duration("claim-ttl", runner.DefaultClaimTTL, "How long a worker holds a task claim")

	submitCmd := &cobra.Command{
		Use:   "submit [workflow]",
		Short: "Submit a run of a workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			contextJSON, _ := cmd.Flags().GetString("context")
			initial := map[string]any{}
			if contextJSON != "" {
				if err := json.Unmarshal([]byte(contextJSON), &initial); err != nil {
					fmt.Fprintf(os.Stderr, "Error: invalid --context JSON: %v\n", err)
					os.Exit(1)
				}
			}
			var resp internal_http.SubmitResponse
			call(cmd, func(c *resty.Client) (*resty.Response, error) {
				return c.R().
					SetBody(internal_http.SubmitRequest{Workflow: args[0], Context: initial}).
					SetResult(&resp).
					Post("/runs")
			})
			fmt.Fprintf(os.Stdout, "Submitted run %s of workflow '%s'\n", resp.RunID, args[0])
		},
	}
	submitCmd.Flags().String("context", "", "Initial context as a JSON object")

	statusCmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run's status and step checkpoints",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var report runner.RunReport
			call(cmd, func(c *resty.Client) (*resty.Response, error) {
				return c.R().SetResult(&report).Get("/runs/" + args[0])
			})
			fmt.Fprintf(os.Stdout, "Run %s (%s): %s\n", report.RunID, report.WorkflowName, report.Status)
			for _, step := range report.CompletedSteps {
				if step.Error != "" {
					fmt.Fprintf(os.Stdout, "- %s: ERROR %s (%s)\n", step.Name, step.Error, step.Timestamp.Format(time.RFC3339))
					continue
				}
				fmt.Fprintf(os.Stdout, "- %s: %v (%s)\n", step.Name, step.Output, step.Timestamp.Format(time.RFC3339))
			}
			if report.Frontier != nil {
				fmt.Fprintf(os.Stdout, "Next step: %s\n", *report.Frontier)
			}
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all runs",
		Run: func(cmd *cobra.Command, args []string) {
			var runs []models.Run
			call(cmd, func(c *resty.Client) (*resty.Response, error) {
				return c.R().SetResult(&runs).Get("/runs")
			})
			if len(runs) == 0 {
				fmt.Fprintf(os.Stdout, "No runs found.\n")
				return
			}
			for _, r := range runs {
				fmt.Fprintf(os.Stdout, "- ID: %s, Workflow: %s, Status: %s, Created: %s\n",
					r.ID, r.WorkflowName, r.Status, r.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [run-id]",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			call(cmd, func(c *resty.Client) (*resty.Response, error) {
				return c.R().Post("/runs/" + args[0] + "/cancel")
			})
			fmt.Fprintf(os.Stdout, "Cancelled run %s\n", args[0])
		},
	}

	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "Job server URL")
	rootCmd.AddCommand(serveCmd, submitCmd, statusCmd, listCmd, cancelCmd)

	if reg != nil {
		workCmd := &cobra.Command{
			Use:   "work",
			Short: "Start a worker polling the job server",
			Run: func(cmd *cobra.Command, args []string) {
				serverURL, _ := cmd.Flags().GetString("server")
				workerID, _ := cmd.Flags().GetString("id")
				pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
				if workerID == "" {
					hostname, _ := os.Hostname()
					workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
				}
				w := worker.New(serverURL, workerID, reg, log.GetLogger(),
					worker.WithPollInterval(pollInterval))
				if err := w.Run(cmd.Context()); err != nil && cmd.Context().Err() == nil {
					log.GetLogger().Errorf("Worker stopped: %v", err)
					os.Exit(1)
				}
			},
		}
		workCmd.Flags().String("id", "", "Worker ID (defaults to hostname-pid)")
		workCmd.Flags().Duration("poll-interval", worker.DefaultPollInterval, "Delay between empty claim polls")
		rootCmd.AddCommand(workCmd)
	}
}

// call runs one request against the job server and exits on any
// transport or HTTP error.
func call(cmd *cobra.Command, fn func(c *resty.Client) (*resty.Response, error)) {
	serverURL, err := cmd.Flags().GetString("server")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving server flag: %v", err)
		os.Exit(1)
	}
	resp, err := fn(resty.New().SetBaseURL(serverURL))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: request failed: %v\n", err)
		os.Exit(1)
	}
	if resp.IsError() {
		fmt.Fprintf(os.Stderr, "Error: server returned %d: %s\n", resp.StatusCode(), resp.String())
		os.Exit(1)
	}
}

// loadWorkflows registers every YAML definition in dir. Definitions
// are loaded without an action registry; the server only sequences
// steps, workers hold the action implementations.
func loadWorkflows(d *runner.DistributedRunner, dir string) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		log.GetLogger().Errorf("Failed to scan workflow dir %s: %v", dir, err)
		os.Exit(1)
	}
	for _, path := range paths {
		wf, err := workflow.Load(path, nil)
		if err != nil {
			log.GetLogger().Errorf("Failed to load workflow %s: %v", path, err)
			os.Exit(1)
		}
		if err := d.RegisterWorkflow(wf); err != nil {
			log.GetLogger().Errorf("Failed to register workflow %s: %v", wf.Name, err)
			os.Exit(1)
		}
	}
	log.GetLogger().Infof("Loaded %d workflow definitions from %s", len(paths), dir)
}

func initStore(dbConnStr, sqlitePath string) storage.Store {
	if dbConnStr != "" {
		store, err := internal_storage.InitStore(dbConnStr)
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		return store
	}
	store, err := storage.NewSQLiteStore(sqlitePath)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
