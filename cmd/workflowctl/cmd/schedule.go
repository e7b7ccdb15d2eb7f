package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nuulab/workflowengine/schedule"
)

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleRemoveCmd)

	scheduleAddCmd.Flags().StringSlice("arg", nil, "constructor argument (repeatable)")
	scheduleAddCmd.Flags().String("id", "", "schedule id (default: a new uuid)")
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring workflow starts",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <klass> <cron-expr>",
	Short: "Register a recurring workflow start",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			id = uuid.NewString()
		}
		ctorArgs, _ := cmd.Flags().GetStringSlice("arg")
		anyArgs := make([]any, len(ctorArgs))
		for i, a := range ctorArgs {
			anyArgs[i] = a
		}

		sch := schedule.New(e.Client, e.Store, cfg.Namespace)
		if err := sch.Add(ctx, id, args[0], anyArgs, args[1]); err != nil {
			fail(fmt.Sprintf("add schedule: %v", err))
			return err
		}
		success(fmt.Sprintf("scheduled %s (%s) as %s", cyan(args[0]), args[1], cyan(id)))
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		sch := schedule.New(e.Client, e.Store, cfg.Namespace)
		schedules, err := sch.List(ctx)
		if err != nil {
			fail(fmt.Sprintf("list schedules: %v", err))
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKLASS\tCRON\tENABLED\tLAST RUN")
		for _, s := range schedules {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", s.ID, s.Klass, s.CronExpr, s.Enabled, s.LastRun.Format("2006-01-02 15:04:05"))
		}
		w.Flush()
		return nil
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		e, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		sch := schedule.New(e.Client, e.Store, cfg.Namespace)
		if err := sch.Remove(ctx, args[0]); err != nil {
			fail(fmt.Sprintf("remove schedule: %v", err))
			return err
		}
		success(fmt.Sprintf("removed schedule %s", cyan(args[0])))
		return nil
	},
}
