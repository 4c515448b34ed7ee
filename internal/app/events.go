package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// EventsOptions bound the event listing.
type EventsOptions struct {
	Limit int
}

// ShowEvents prints the most recent alert firings.
func (a *App) ShowEvents(ctx context.Context, opts EventsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show events")
	}
	if closeStore != nil {
		defer closeStore()
	}

	events, err := store.ListRecentEvents(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stdout, "no events found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRule\tValue\tLevel\tTransition\tBar (UTC)")

	for _, event := range events {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%.2f\t%.2f\t%s\t%s\n",
			event.Time.UTC().Format(time.RFC3339),
			event.RuleID,
			event.Value,
			event.Level,
			event.Transition,
			event.BarTime.UTC().Format(time.RFC3339),
		)
	}

	writer.Flush()
	return nil
}
