package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"indicator-alerts/internal/app"
)

var (
	eventsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Display recent alert firings",
	RunE: func(cmd *cobra.Command, args []string) error {
		if eventsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.EventsOptions{
			Limit: eventsLimit,
		}

		return getApp().ShowEvents(cmd.Context(), opts)
	},
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "Number of events to display")
}
