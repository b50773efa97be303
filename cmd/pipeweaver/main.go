// Command pipeweaver drives an incremental computational pipeline: it loads a
// declarative target specification, skips whatever is already up to date,
// executes the rest in dependency order, and persists fingerprints so the
// next run can prove what changed.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "pipeweaver",
	Short: "Incremental pipeline runner",
	Long: `pipeweaver is an incremental computational-pipeline engine.

Targets are declared in a TOML specification. Each run re-executes only the
targets whose command, capabilities, upstream results, or tracked files have
changed since their last recorded fingerprint.

Examples:
  pipeweaver run                     # run the pipeline in ./pipeline.toml
  pipeweaver graph                   # print targets, statuses, and edges
  pipeweaver read fit                # print target "fit"'s stored result
  pipeweaver metadata name status    # print selected metadata columns
  pipeweaver reset                   # forget all fingerprints and artifacts
  pipeweaver workspace open fit      # inspect the snapshot of a failed target`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	workDirFlag string
	specFlag    string
	verboseFlag bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&workDirFlag, "workdir", ".", "Working directory anchoring artifacts and engine state")
	rootCmd.PersistentFlags().StringVarP(&specFlag, "spec", "f", "pipeline.toml", "Pipeline specification file")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(workspaceCmd)
}

// newLogger builds the CLI logger: console output, debug level with -v.
func newLogger() (*zap.SugaredLogger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verboseFlag {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pipeweaver:", err)
		os.Exit(1)
	}
}
