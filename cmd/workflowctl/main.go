// Command workflowctl is the operator CLI for the workflow engine:
// workflow lifecycle, schedules, and a foreground worker runner.
package main

import (
	"os"

	"github.com/nuulab/workflowengine/cmd/workflowctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
