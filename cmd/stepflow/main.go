package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stepflow-io/stepflow/internal/cli"
	"github.com/stepflow-io/stepflow/pkg/workflow"
)

var rootCmd = &cobra.Command{Use: "stepflow"}

func main() {
	// Binaries embedding stepflow register their step actions here to
	// enable the `work` command.
	cli.SetupCLI(rootCmd, workflow.NewRegistry())
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
