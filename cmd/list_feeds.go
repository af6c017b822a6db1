package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-feed-rater/internal/app"
	"github.com/JakeFAU/realtime-feed-rater/internal/catalog"
	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
)

// newListFeedsCmd creates the 'list-feeds' subcommand.
func newListFeedsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-feeds",
		Short: "Lists catalog feeds and whether each can be sampled",
		Args:  cobra.NoArgs,
		RunE:  runListFeedsCommand,
	}
}

func runListFeedsCommand(cmd *cobra.Command, _ []string) error {
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
	return printFeeds(cmd.OutOrStdout(), feeds)
}

func printFeeds(out io.Writer, feeds app.Feeds) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AUTH\tURL\tSTATUS\tID\tNAME\tSKIP")
	for _, d := range feeds.All {
		status := string(d.Status)
		if status == "" {
			status = string(feed.LifecycleActive)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			authMarker(d, feeds.Keys),
			urlMarker(d),
			status,
			d.ID,
			d.Name,
			catalog.Reason(d, feeds.Keys),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := feeds.Summary
	_, err := fmt.Fprintf(out, `
Summary:
  Total feeds:   %d
  Deprecated:    %d
  Auth required: %d (keyed: %d)
  No URL:        %d
  Processable:   %d
`, s.Total, s.Deprecated, s.AuthRequired, s.Keyed, s.NoURL, s.Processable)
	return err
}

func authMarker(d feed.Descriptor, keys map[string]string) string {
	switch {
	case !d.RequiresAuth():
		return "open"
	case keys[d.ID] != "":
		return "keyed"
	default:
		return "locked"
	}
}

func urlMarker(d feed.Descriptor) string {
	if d.Endpoint == "" {
		return "no"
	}
	return "yes"
}
