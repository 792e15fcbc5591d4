package cli

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/mvesched/pkg/model"
)

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded workload runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			resp, err := client.Get(cmd.Context(), "/api/v1/runs?limit="+strconv.Itoa(limit))
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			var runs []model.Run
			if err := resp.decode(&runs); err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs found.")
				return nil
			}

			fmt.Fprintf(out, "%-40s  %-10s  %-16s  %s\n", "ID", "STATE", "FRAMES", "CREATED")
			fmt.Fprintf(out, "%-40s  %-10s  %-16s  %s\n", "--", "-----", "------", "-------")
			for _, run := range runs {
				frames := humanize.Comma(int64(run.Completed)) + "/" + humanize.Comma(int64(run.TotalFrames()))
				fmt.Fprintf(out, "%-40s  %-10s  %-16s  %s\n", run.ID, run.State, frames, humanize.Time(run.CreatedAt))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(runs), resp.Pagination.Total)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		sessions int
		frames   int
		wait     bool
		poll     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a recorded workload on the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			resp, err := client.Post(ctx, "/api/v1/runs", model.StartRunRequest{Sessions: sessions, Frames: frames})
			if err != nil {
				return fmt.Errorf("start run: %w", err)
			}
			var run model.Run
			if err := resp.decode(&run); err != nil {
				return err
			}
			fmt.Fprintf(out, "Run started: %s (%d sessions x %s frames on %d slots)\n",
				run.ID, run.Sessions, humanize.Comma(int64(run.Frames)), run.Slots)

			if !wait {
				return nil
			}
			final, err := waitForRun(ctx, run.ID, poll)
			if err != nil {
				return err
			}
			printRun(out, final)
			if final.State != model.RunStateCompleted {
				return fmt.Errorf("run %s ended %s", final.ID, final.State)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&sessions, "sessions", 8, "Concurrent sessions")
	cmd.Flags().IntVar(&frames, "frames", 30, "Frames per session")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to finish")
	cmd.Flags().DurationVar(&poll, "poll", 250*time.Millisecond, "Poll interval with --wait")
	return cmd
}

func waitForRun(ctx context.Context, id string, poll time.Duration) (model.Run, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		resp, err := client.Get(ctx, "/api/v1/runs/"+id)
		if err != nil {
			return model.Run{}, fmt.Errorf("get run: %w", err)
		}
		var run model.Run
		if err := resp.decode(&run); err != nil {
			return model.Run{}, err
		}
		if run.State.IsTerminal() {
			return run, nil
		}
		logger.Debug("run in progress", "run", id, "completed", run.Completed)
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printRun(out io.Writer, run model.Run) {
	fmt.Fprintf(out, "Run:        %s\n", run.ID)
	fmt.Fprintf(out, "  State:    %s\n", run.State)
	fmt.Fprintf(out, "  Frames:   %s of %s (%.0f%%)\n",
		humanize.Comma(int64(run.Completed)), humanize.Comma(int64(run.TotalFrames())), run.Progress()*100)
	if run.Unfinished > 0 {
		fmt.Fprintf(out, "  Unfinished sessions: %d\n", run.Unfinished)
	}
	fmt.Fprintf(out, "  IRQs:     %s\n", humanize.Comma(int64(run.IRQs)))
	fmt.Fprintf(out, "  Events:   %s\n", humanize.Comma(int64(run.Events)))
	fmt.Fprintf(out, "  Created:  %s\n", run.CreatedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Fprintf(out, "  Took:     %s\n", run.CompletedAt.Sub(run.CreatedAt).Round(time.Millisecond))
	}
	if run.Error != "" {
		fmt.Fprintf(out, "  Error:    %s\n", run.Error)
	}
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel the run in progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			if _, err := client.Put(cmd.Context(), "/api/v1/runs/"+id+"/cancel", nil); err != nil {
				return fmt.Errorf("cancel run: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s: cancel requested\n", id)
			return nil
		},
	}
}

func newEventsCmd() *cobra.Command {
	var (
		kind   string
		limit  int
		offset int
		counts bool
	)
	cmd := &cobra.Command{
		Use:   "events <run_id>",
		Short: "Show the scheduling trace of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			out := cmd.OutOrStdout()

			if counts {
				resp, err := client.Get(cmd.Context(), "/api/v1/runs/"+id+"/counts")
				if err != nil {
					return fmt.Errorf("count events: %w", err)
				}
				var kcs []model.KindCount
				if err := resp.decode(&kcs); err != nil {
					return err
				}
				for _, kc := range kcs {
					fmt.Fprintf(out, "%-16s  %s\n", kc.Kind, humanize.Comma(int64(kc.Count)))
				}
				return nil
			}

			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))
			if kind != "" {
				q.Set("kind", kind)
			}
			resp, err := client.Get(cmd.Context(), "/api/v1/runs/"+id+"/events?"+q.Encode())
			if err != nil {
				return fmt.Errorf("list events: %w", err)
			}
			var events []model.TraceEvent
			if err := resp.decode(&events); err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "No events found.")
				return nil
			}

			start := events[0].At
			for _, e := range events {
				slot := "-"
				if e.Slot >= 0 {
					slot = strconv.Itoa(e.Slot)
				}
				fmt.Fprintf(out, "%6d  %+10.3fms  %-14s  %-4s  %-36s  %s\n",
					e.Seq, float64(e.At.Sub(start).Microseconds())/1000, e.Kind, slot, e.Session, e.Detail)
			}
			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown, next --offset %d)\n",
					len(events), resp.Pagination.Total, offset+len(events))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Only events of this kind (map, switch_in, irq, ...)")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum events to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Events to skip")
	cmd.Flags().BoolVar(&counts, "counts", false, "Show event counts by kind instead")
	return cmd
}
