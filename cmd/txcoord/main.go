package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/elliotcourant/timber"
	"github.com/elliotcourant/txcoord"
	"github.com/elliotcourant/txcoord/options"
	"github.com/elliotcourant/txcoord/resource"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		timber.Errorf("%v", err)
		os.Exit(1)
	}
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "txcoord",
		Short:         "Inspect the state of a transaction coordinator.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)

	root.AddCommand(
		newTimestampCommand(),
		newResourcesCommand(),
		newConfigCommand(),
	)

	return root
}

func newTimestampCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "timestamp",
		Short: "Print the timestamp bound saved in the timestamp log.",
		Long: `
Replays the timestamp log in the coordinator's directory and prints the last
checkpoint. A coordinator that is opened on the directory never hands out a
timestamp at or below the saved bound.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			checkpoint, err := txcoord.ReadTimestampLog(dir)
			if err != nil {
				return err
			}

			mode := options.ClockMode(checkpoint.ClockMode)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "clock mode: %s\n", mode)
			fmt.Fprintf(out, "bound:      %d (%s)\n", checkpoint.Bound, physicalTime(mode, checkpoint.Bound))
			fmt.Fprintf(out, "issued:     %d (%s)\n", checkpoint.Issued, physicalTime(mode, checkpoint.Issued))
			if checkpoint.SavedAt > 0 {
				fmt.Fprintf(out, "saved at:   %s\n", time.Unix(0, checkpoint.SavedAt).UTC().Format(time.RFC3339Nano))
			}

			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Directory of the coordinator")
	_ = cmd.MarkFlagRequired("dir")

	return cmd
}

// physicalTime returns the wall clock time a timestamp was derived from.
func physicalTime(mode options.ClockMode, ts uint64) string {
	millis := ts
	if mode == options.HybridClock {
		millis = ts >> options.LogicalBits
	}

	return time.Unix(0, int64(millis)*int64(time.Millisecond)).UTC().Format(time.RFC3339Nano)
}

func newResourcesCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "List the journals and segments of every partition in a directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			partitions, err := resource.ScanDirectory(dir)
			if err != nil {
				return err
			}

			ids := make([]uint32, 0, len(partitions))
			for id := range partitions {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

			out := cmd.OutOrStdout()
			for _, id := range ids {
				view := resource.NewView(id, partitions[id])
				fmt.Fprintf(out, "partition %08X:\n", id)
				for _, meta := range view.All() {
					fmt.Fprintf(out, "  %s %s\n", meta.FileName(), meta.Kind)
				}
			}

			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Directory holding the partition resources")
	_ = cmd.MarkFlagRequired("dir")

	return cmd
}

func newConfigCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate a config file and print the resulting options.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := txcoord.LoadOptions(path)
			if err != nil {
				return err
			}

			return toml.NewEncoder(cmd.OutOrStdout()).Encode(opts)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "Path to the toml config file")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}
