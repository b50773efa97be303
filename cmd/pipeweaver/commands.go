package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"pipeweaver/internal/engine"
	"pipeweaver/internal/scheduler"
)

var (
	workersFlag   int
	noCaptureFlag bool
)

func init() {
	runCmd.Flags().IntVar(&workersFlag, "workers", 1, "Maximum concurrently executing targets")
	runCmd.Flags().BoolVar(&noCaptureFlag, "no-capture", false, "Disable workspace snapshots on failure")
}

// openEngine builds an Engine from the persistent flags.
func openEngine(capture bool) (*engine.Engine, error) {
	log, err := newLogger()
	if err != nil {
		return nil, err
	}
	workDir, err := filepath.Abs(workDirFlag)
	if err != nil {
		return nil, errors.Wrap(err, "resolving workdir")
	}
	spec := specFlag
	if !filepath.IsAbs(spec) {
		spec = filepath.Join(workDir, spec)
	}
	return engine.New(engine.Config{
		WorkDir:  workDir,
		SpecPath: spec,
		Workers:  workersFlag,
		Capture:  capture,
		Logger:   log,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the outdated targets of the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(!noCaptureFlag)
		if err != nil {
			return err
		}
		defer eng.Close()

		report, err := eng.Run(cmd.Context())
		if err != nil {
			return err
		}

		failed := 0
		for _, o := range report.Outcomes {
			switch o.State {
			case scheduler.StateBuilt:
				fmt.Printf("  built    %-20s %6.3fs  (%s)\n", o.Target, o.Seconds, o.Reason)
			case scheduler.StateFresh:
				fmt.Printf("  fresh    %s\n", o.Target)
			case scheduler.StateSkipped:
				fmt.Printf("  skipped  %-20s %s\n", o.Target, o.Error)
			case scheduler.StateErrored:
				failed++
				fmt.Printf("  error    %-20s %s\n", o.Target, o.Error)
			}
			for _, w := range o.Warnings {
				fmt.Printf("           %-20s warning: %s\n", o.Target, w)
			}
		}

		if report.Failed() {
			return errors.Newf("%d target(s) errored", failed)
		}
		return nil
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the dependency graph with last-known statuses",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.Close()

		view, err := eng.InspectGraph()
		if err != nil {
			return err
		}
		for _, n := range view.Nodes {
			status := string(n.Status)
			if status == "" {
				status = "never built"
			}
			fmt.Printf("  %-20s %-8s %s\n", n.Name, n.Format, status)
		}
		if len(view.Edges) > 0 {
			fmt.Println()
			for _, e := range view.Edges {
				fmt.Printf("  %s -> %s\n", e.From, e.To)
			}
		}
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <target>",
	Short: "Print a target's stored result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.Close()

		v, err := eng.ReadResult(args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var metadataCmd = &cobra.Command{
	Use:   "metadata [fields...]",
	Short: "Print fingerprint metadata per target",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.Close()

		rows, err := eng.Metadata(args...)
		if err != nil {
			return err
		}
		for _, row := range rows {
			keys := make([]string, 0, len(row))
			for k := range row {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for i, k := range keys {
				if i > 0 {
					fmt.Print("  ")
				}
				fmt.Printf("%s=%v", k, row[k])
			}
			fmt.Println()
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear all fingerprints and remove tracked artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.Close()
		return eng.Reset()
	},
}

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Inspect and manage failure snapshots",
}

var workspaceOpenCmd = &cobra.Command{
	Use:   "open <target>",
	Short: "Print the captured snapshot of a failed target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.Close()

		snap, err := eng.OpenWorkspace(args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var workspaceReplayCmd = &cobra.Command{
	Use:   "replay <target>",
	Short: "Re-invoke a failed command against its captured environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.Close()

		v, err := eng.ReplayWorkspace(args[0])
		if err != nil {
			return errors.Wrapf(err, "replaying %q", args[0])
		}
		fmt.Printf("replay of %q succeeded: %v\n", args[0], v)
		return nil
	},
}

var workspacePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all captured snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(false)
		if err != nil {
			return err
		}
		defer eng.Close()
		return eng.PurgeWorkspaces()
	},
}

func init() {
	workspaceCmd.AddCommand(workspaceOpenCmd)
	workspaceCmd.AddCommand(workspaceReplayCmd)
	workspaceCmd.AddCommand(workspacePurgeCmd)
}
