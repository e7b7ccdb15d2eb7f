// Package cmd provides the workflowctl CLI commands, adapted from the
// teacher's cmd/cli/cmd package: a cobra command tree with persistent
// --config/--redis/--verbose flags resolved through spf13/viper.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nuulab/workflowengine/internal/config"
)

var (
	cfgFile string
	verbose bool
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "workflowctl",
	Short:   "Operate a persistent DAG workflow engine",
	Version: "1.0.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		if verbose {
			info(fmt.Sprintf("store: %s  namespace: %s", cfg.StoreURL, cfg.Namespace))
		}
		return nil
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./workflowengine.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&storeURLOverride, "redis", "", "store URL override, e.g. redis://host:6379/0")
}

// storeURLOverride, when set, wins over config.Config.StoreURL.
var storeURLOverride string

func effectiveStoreURL() string {
	if storeURLOverride != "" {
		return storeURLOverride
	}
	return cfg.StoreURL
}

func green(s string) string  { return "\033[32m" + s + "\033[0m" }
func red(s string) string    { return "\033[31m" + s + "\033[0m" }
func yellow(s string) string { return "\033[33m" + s + "\033[0m" }
func cyan(s string) string   { return "\033[36m" + s + "\033[0m" }
func bold(s string) string   { return "\033[1m" + s + "\033[0m" }

func success(msg string) { fmt.Println(green("✓ ") + msg) }
func fail(msg string)    { fmt.Fprintln(os.Stderr, red("✗ ")+msg) }
func info(msg string)    { fmt.Println(cyan("ℹ ") + msg) }
func warn(msg string)    { fmt.Println(yellow("⚠ ") + msg) }
