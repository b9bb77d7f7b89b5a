package cmd

import (
	"log"

	"github.com/arcward/discofeed/discofeed"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the bot, feed workers and (optionally) the admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			df, err := discofeed.New(cfg)
			if err != nil {
				log.Fatalf("error creating discofeed: %s", err.Error())
			}

			if err = df.Run(ctx); err != nil {
				log.Fatalf("error running discofeed: %s", err.Error())
			}
		},
	}
)

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(runCmd)
}
