package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-feed-rater/internal/clock/system"
)

const dateLayout = "2006-01-02"

// newAggregateCmd creates the 'aggregate' subcommand.
func newAggregateCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Grades every archived feed for one day and uploads the results",
		Long: `Reads every archive file for --date under the output directory, computes
per-field support, letter grades and uptime, and writes one JSON document per
feed plus an index to the configured blob store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAggregateCommand(cmd, date)
		},
	}

	f := cmd.Flags()
	f.StringVar(&date, "date", "", "UTC day to aggregate, yyyy-mm-dd (default yesterday)")
	f.String("output-dir", "feeds", "local archive directory")
	bindFlag(f, "output-dir", "sampler.output_dir")
	return cmd
}

func parseDate(value string, now time.Time) (time.Time, error) {
	if value == "" {
		return system.Date(now).AddDate(0, 0, -1), nil
	}
	d, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q: %w", value, err)
	}
	return d, nil
}

func runAggregateCommand(cmd *cobra.Command, dateFlag string) error {
	ctx := cmd.Context()
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	date, err := parseDate(dateFlag, time.Now())
	if err != nil {
		return err
	}

	a, err := newApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer a.Close()
	if a.Store() == nil {
		return errors.New("aggregate needs a blob store; set storage.provider")
	}

	reporter, err := a.NewReporter()
	if err != nil {
		return err
	}
	written, err := reporter.AggregateDate(ctx, rt.cfg.Sampler.OutputDir, date)
	if err != nil {
		return fmt.Errorf("aggregate %s: %w", date.Format(dateLayout), err)
	}
	rt.logger.Info("aggregate command finished",
		zap.String("date", date.Format(dateLayout)),
		zap.Int("feeds", written),
	)
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "graded %d feeds for %s\n", written, date.Format(dateLayout))
	return err
}
