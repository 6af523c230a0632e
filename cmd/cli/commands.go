package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"workout-ingest/internal/database"
	"workout-ingest/internal/history"
	"workout-ingest/internal/metrics"
)

func (a *app) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one queue sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := a.worker.Sweep(cmd.Context())

			fmt.Printf("Sweep %s claimed %d item(s)\n", result.ID, result.Claimed)
			for outcome, n := range result.Outcomes {
				fmt.Printf("  %-10s %d\n", outcome, n)
			}
			if result.BudgetExceeded {
				fmt.Println("Sweep budget exceeded, remaining items wait for the next sweep")
			}
			return nil
		},
	}
}

func (a *app) enqueueCmd() *cobra.Command {
	var process bool
	cmd := &cobra.Command{
		Use:   "enqueue <service> <username> <workout-id>",
		Short: "Add a workout to the queue",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := a.db.EnqueueQueueItem(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			metrics.QueueEnqueueTotal.WithLabelValues(args[0], metrics.SourceCLI).Inc()
			fmt.Printf("Enqueued %s\n", item.ID)

			if !process {
				return nil
			}
			outcome, err := a.processor.ProcessQueueItem(cmd.Context(), item)
			if err != nil {
				return err
			}
			fmt.Printf("Processed %s: %s\n", item.ID, outcome)
			return nil
		},
	}
	cmd.Flags().BoolVar(&process, "process", false, "process the item immediately")
	return cmd
}

func (a *app) processCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <service> <queue-item-id>",
		Short: "Process one queue item now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := a.db.GetQueueItem(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			outcome, err := a.processor.ProcessQueueItem(cmd.Context(), item)
			if err != nil {
				return err
			}
			fmt.Printf("Processed %s: %s\n", item.ID, outcome)
			return nil
		},
	}
}

func (a *app) importCmd() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "import <service> <user-id>",
		Short: "Queue a user's workout history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			startDate, err := time.Parse(time.DateOnly, start)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
			endDate, err := time.Parse(time.DateOnly, end)
			if err != nil {
				return fmt.Errorf("invalid --end: %w", err)
			}

			result, err := a.importer.ImportHistory(cmd.Context(), args[1], args[0], startDate, history.EndOfDay(endDate))
			if err != nil {
				return err
			}
			fmt.Printf("Queued %d workout(s) in %d batch(es), %d batch(es) failed\n",
				result.Workouts, result.Batches, result.FailedBatches)
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first day to import (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", time.Now().UTC().Format(time.DateOnly), "last day to import (YYYY-MM-DD)")
	cmd.MarkFlagRequired("start")
	return cmd
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth per service and state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			depths, err := a.db.QueueDepths(cmd.Context())
			if err != nil {
				return err
			}
			if len(depths) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVICE\tSTATE\tCOUNT")
			for _, d := range depths {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", d.Service, d.State, d.Count)
			}
			return tw.Flush()
		},
	}
}

func (a *app) deadCmd() *cobra.Command {
	var limit int
	var showErrors bool
	cmd := &cobra.Command{
		Use:   "dead <service>",
		Short: "List queue items that ran out of retries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := a.db.ListQueueItemsByState(cmd.Context(), args[0], database.QueueStateDead, limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("No dead queue items.")
				return nil
			}

			for _, item := range items {
				fmt.Printf("%s  user=%s workout=%s retries=%d total=%d\n",
					item.ID, item.UserName, item.WorkoutID, item.RetryCount, item.TotalRetryCount)
				if !showErrors {
					continue
				}
				errs, err := a.db.GetQueueItemErrors(cmd.Context(), args[0], item.ID)
				if err != nil {
					return err
				}
				for _, e := range errs {
					fmt.Printf("    [%s] retry %d: %s\n", e.CreatedAt.Format(time.RFC3339), e.AtRetryCount, e.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of items to list")
	cmd.Flags().BoolVar(&showErrors, "errors", false, "print each item's error log")
	return cmd
}

func (a *app) eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <user-id> [event-id]",
		Short: "Count a user's events or show one event",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				n, err := a.db.CountEvents(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%d event(s)\n", n)
				return nil
			}

			event, err := a.db.GetEvent(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Event %s (%s)\n", event.ID, event.Name)
			fmt.Printf("  %s - %s\n", event.StartDate.Format(time.RFC3339), event.EndDate.Format(time.RFC3339))
			for _, act := range event.Activities {
				fmt.Printf("  Activity %s %s %.0fm\n", act.ID, act.Type, act.Distance)
			}
			return nil
		},
	}
}

func (a *app) tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a bearer token for calling the user endpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := a.verifier.Sign(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
