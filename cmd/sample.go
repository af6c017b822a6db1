package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newSampleCmd creates the 'sample' subcommand, the long-running sampler.
func newSampleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Samples every eligible feed on a fixed interval",
		Long: `Loads the feed catalog once, then runs sampling rounds: each round fetches
every eligible feed with bounded concurrency and appends one row per feed to
today's archive file. Days that have ended are finalized and uploaded in the
background. With --samples 0 the sampler runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runSampleCommand,
	}

	f := cmd.Flags()
	f.Int("concurrency", 5, "maximum feeds fetched at once")
	f.Duration("interval", time.Minute, "target time between round starts")
	f.Int("samples", 1, "number of rounds to run; 0 runs until interrupted")
	f.String("output-dir", "feeds", "local archive directory")
	f.Int("port", 0, "status server port; 0 disables it")
	bindFlag(f, "concurrency", "sampler.concurrency")
	bindFlag(f, "interval", "sampler.interval")
	bindFlag(f, "samples", "sampler.samples")
	bindFlag(f, "output-dir", "sampler.output_dir")
	bindFlag(f, "port", "server.port")
	return cmd
}

func runSampleCommand(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()

	feeds, err := a.LoadFeeds(ctx)
	if err != nil {
		return err
	}
	if len(feeds.Eligible) == 0 {
		return errors.New("no processable feeds in catalog")
	}

	run, err := a.NewRun(feeds)
	if err != nil {
		return err
	}
	if err := run.Execute(ctx); err != nil {
		return fmt.Errorf("run sampler: %w", err)
	}

	st := run.Scheduler.Status()
	rt.logger.Info("sample command finished",
		zap.String("run_id", run.ID),
		zap.String("state", string(st.State)),
		zap.Int("rounds", st.RoundsCompleted),
	)
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "run %s %s: %d of %d rounds over %d feeds\n",
		run.ID, st.State, st.RoundsCompleted, st.SampleCount, st.Feeds)
	return err
}
