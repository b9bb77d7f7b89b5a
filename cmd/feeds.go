package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/arcward/discofeed/discofeed"
	"github.com/arcward/discofeed/feedmachine"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var (
	feedsGuildID string
	feedsJSON    bool
)

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "Inspect persisted feed subscriptions",
}

var feedsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted feeds, and the channels subscribed to them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := discofeed.OpenFeedStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()

		out := cmd.OutOrStdout()
		if feedsGuildID != "" {
			feeds, err := store.GuildFeeds(ctx, feedsGuildID)
			if err != nil {
				return err
			}
			if feedsJSON {
				return writeJSON(out, feeds)
			}
			return writeGuildFeeds(out, feeds)
		}

		feeds, err := store.Feeds(ctx)
		if err != nil {
			return err
		}
		if feedsJSON {
			return writeJSON(out, feeds)
		}
		return writeFeedSummaries(out, feeds)
	},
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeFeedSummaries(w io.Writer, feeds []feedmachine.FeedSummary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tID\tLAST UPDATE\tSUBSCRIBERS")
	for _, f := range feeds {
		subscribers := lo.Map(
			f.Subscribers,
			func(s feedmachine.Subscriber, _ int) string {
				return s.GuildID + "/" + s.ChannelID
			},
		)
		fmt.Fprintf(
			tw,
			"%s\t%s\t%s\t%v\n",
			f.Feed.Class,
			f.Feed.ID,
			f.LastUpdate.Format(time.RFC3339),
			subscribers,
		)
	}
	return tw.Flush()
}

func writeGuildFeeds(w io.Writer, feeds []feedmachine.GuildFeed) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tID\tCHANNEL\tLAST UPDATE")
	for _, f := range feeds {
		fmt.Fprintf(
			tw,
			"%s\t%s\t%s\t%s\n",
			f.Feed.Class,
			f.Feed.ID,
			f.ChannelID,
			f.LastUpdate.Format(time.RFC3339),
		)
	}
	return tw.Flush()
}

//nolint:gochecknoinits
func init() {
	feedsListCmd.Flags().StringVar(&feedsGuildID, "guild", "", "Only list feeds for this guild ID")
	feedsListCmd.Flags().BoolVar(&feedsJSON, "json", false, "Print JSON instead of a table")
	feedsCmd.AddCommand(feedsListCmd)
	rootCmd.AddCommand(feedsCmd)
}
