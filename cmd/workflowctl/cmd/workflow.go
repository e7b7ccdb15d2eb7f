package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nuulab/workflowengine/internal/jobs"
)

func init() {
	rootCmd.AddCommand(workflowCmd)

	workflowCmd.AddCommand(workflowCreateCmd)
	workflowCmd.AddCommand(workflowStartCmd)
	workflowCmd.AddCommand(workflowStopCmd)
	workflowCmd.AddCommand(workflowShowCmd)
	workflowCmd.AddCommand(workflowDestroyCmd)
	workflowCmd.AddCommand(workflowListCmd)

	workflowCreateCmd.Flags().StringSlice("arg", nil, "constructor argument (repeatable)")
	workflowStartCmd.Flags().StringSlice("job", nil, "start only these jobs (repeatable); default is every initial job")
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflows",
}

var workflowCreateCmd = &cobra.Command{
	Use:   "create <klass>",
	Short: "Create a workflow instance from a registered klass",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		ctorArgs, _ := cmd.Flags().GetStringSlice("arg")
		anyArgs := make([]any, len(ctorArgs))
		for i, a := range ctorArgs {
			anyArgs[i] = a
		}

		wf, err := e.Client.CreateWorkflow(ctx, args[0], anyArgs...)
		if err != nil {
			fail(fmt.Sprintf("create workflow: %v", err))
			return err
		}
		if err := e.Client.PersistWorkflow(ctx, wf); err != nil {
			fail(fmt.Sprintf("persist workflow: %v", err))
			return err
		}
		success(fmt.Sprintf("created workflow %s (%s)", cyan(wf.ID), wf.Klass))
		return nil
	},
}

var workflowStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start a workflow, enqueuing its initial jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		wf, err := e.Client.FindWorkflow(ctx, args[0])
		if err != nil {
			fail(fmt.Sprintf("start workflow: %v", err))
			return err
		}

		jobNames, _ := cmd.Flags().GetStringSlice("job")
		if err := e.Client.StartWorkflow(ctx, wf, jobNames...); err != nil {
			fail(fmt.Sprintf("start workflow: %v", err))
			return err
		}
		success(fmt.Sprintf("started workflow %s", cyan(wf.ID)))
		return nil
	},
}

var workflowStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop a workflow (in-flight jobs finish; no new jobs are enqueued)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Client.StopWorkflow(ctx, args[0]); err != nil {
			fail(fmt.Sprintf("stop workflow: %v", err))
			return err
		}
		success(fmt.Sprintf("stopped workflow %s", cyan(args[0])))
		return nil
	},
}

var workflowShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a workflow's jobs and their states",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		wf, err := e.Client.FindWorkflow(ctx, args[0])
		if err != nil {
			fail(fmt.Sprintf("show workflow: %v", err))
			return err
		}

		fmt.Printf(bold("Workflow %s\n"), cyan(wf.ID))
		fmt.Printf("Klass: %s  Stopped: %v  Finished: %v\n", wf.Klass, wf.Stopped, wf.Finished())
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tSTATE\tINCOMING\tOUTGOING")
		for _, j := range wf.Jobs {
			fmt.Fprintf(w, "%s\t%s\t%v\t%v\n", j.Name(), colorState(j), j.Incoming, j.Outgoing)
		}
		w.Flush()
		return nil
	},
}

var workflowDestroyCmd = &cobra.Command{
	Use:   "destroy <id>",
	Short: "Permanently delete a workflow and its jobs from the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		wf, err := e.Client.FindWorkflow(ctx, args[0])
		if err != nil {
			fail(fmt.Sprintf("destroy workflow: %v", err))
			return err
		}
		if err := e.Client.DestroyWorkflow(ctx, wf); err != nil {
			fail(fmt.Sprintf("destroy workflow: %v", err))
			return err
		}
		success(fmt.Sprintf("destroyed workflow %s", cyan(args[0])))
		return nil
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every workflow currently in the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKLASS\tSTOPPED\tFINISHED")
		for wf, err := range e.Client.AllWorkflows(ctx) {
			if err != nil {
				fail(fmt.Sprintf("list workflows: %v", err))
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%v\n", wf.ID, wf.Klass, wf.Stopped, wf.Finished())
		}
		w.Flush()
		return nil
	},
}

func colorState(j *jobs.Job) string {
	switch j.State() {
	case jobs.Failed:
		return red(string(j.State()))
	case jobs.Succeeded:
		return green(string(j.State()))
	case jobs.Running:
		return yellow(string(j.State()))
	default:
		return string(j.State())
	}
}
