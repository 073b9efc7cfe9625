// Command pces-inspect runs the preconsensus event stream startup reader
// against a directory and prints the segments that would be replayed.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/unijord/pces/pkg/config"
	"github.com/unijord/pces/pkg/pces"
	"github.com/unijord/pces/pkg/recycle"
)

func main() {
	if err := newRoot(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
}

func newRoot(stdout, stderr io.Writer) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "pces-inspect",
		Short:        "Inspect and repair a preconsensus event stream directory",
		SilenceUsage: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&flags.configPath, "config", os.Getenv("PCES_CONFIG"), "Path to YAML config file")

	root.AddCommand(newScanCommand(flags))
	root.AddCommand(newPurgeRecycleCommand(flags))
	return root
}

func loadConfig(flags *rootFlags, stderr io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

func newScanCommand(flags *rootFlags) *cobra.Command {
	var (
		dir           string
		startingRound uint64
		permitGaps    bool
		noCompact     bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Validate the stream, compact its tail and purge discontinuities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Pces.DatabaseDirectory
			}
			if cmd.Flags().Changed("permit-gaps") {
				cfg.Pces.PermitGaps = permitGaps
			}
			if noCompact {
				cfg.Pces.CompactLastFileOnStartup = false
			}

			bin, err := recycle.NewFromConfig(cfg.RecycleBin, recycle.WithLogger(logger))
			if err != nil {
				return err
			}

			tracker, err := pces.ReadFilesFromDisk(cfg.Pces, bin, dir, startingRound, cfg.Pces.PermitGaps,
				pces.WithLogger(logger))
			if err != nil {
				return err
			}
			return printTracker(cmd.OutOrStdout(), tracker, startingRound)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Event stream directory (defaults to pces.database_directory)")
	cmd.Flags().Uint64Var(&startingRound, "starting-round", 0, "Round of the state the node starts from")
	cmd.Flags().BoolVar(&permitGaps, "permit-gaps", false, "Allow gaps in sequence numbers")
	cmd.Flags().BoolVar(&noCompact, "no-compact", false, "Do not compact the last segment")
	return cmd
}

func printTracker(out io.Writer, tracker *pces.FileTracker, startingRound uint64) error {
	skipUntil := -1
	if i, ok := tracker.FirstRelevantIndex(startingRound); ok {
		skipUntil = i
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tMIN GEN\tMAX GEN\tORIGIN\tCREATED\tREPLAY\tPATH")
	for i, f := range tracker.Files() {
		replay := "yes"
		if i <= skipUntil {
			replay = "skip"
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%s\t%s\t%s\n",
			f.SequenceNumber(), f.MinimumGeneration(), f.MaximumGeneration(), f.Origin(),
			f.Timestamp().Format(time.RFC3339), replay, f.Path())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%d segment(s), authoritative origin %d\n",
		tracker.Count(), pces.AuthoritativeOrigin(tracker, startingRound))
	return err
}

func newPurgeRecycleCommand(flags *rootFlags) *cobra.Command {
	var all, watch bool

	cmd := &cobra.Command{
		Use:   "purge-recycle",
		Short: "Erase recycle bin entries older than the retention period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			bin, err := recycle.NewFromConfig(cfg.RecycleBin, recycle.WithLogger(logger))
			if err != nil {
				return err
			}
			if watch {
				return watchRecycleBin(cmd, bin, cfg.RecycleBin.CleanupInterval)
			}
			if all {
				if err := bin.Clear(); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "recycle bin cleared")
				return err
			}
			n, err := bin.PurgeExpired(time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "erased %d expired entr(ies)\n", n)
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Erase every entry regardless of age")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and erase expired entries every recycle_bin.cleanup_interval")
	cmd.MarkFlagsMutuallyExclusive("all", "watch")
	return cmd
}

// watchRecycleBin purges expired entries on the configured interval until the
// command context is cancelled or the process is interrupted.
func watchRecycleBin(cmd *cobra.Command, bin *recycle.Bin, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("recycle_bin.cleanup_interval must be positive to watch, got %s", interval)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := fmt.Fprintf(cmd.OutOrStdout(), "erasing expired entries every %s\n", interval); err != nil {
		return err
	}
	bin.Start(ctx, interval)
	<-ctx.Done()
	return nil
}
