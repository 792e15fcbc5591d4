package cli

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/mvesched/internal/jobqueue"
	"github.com/me/mvesched/internal/scheduler"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and the slot table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			resp, err := client.Get(ctx, "/api/v1/health")
			if err != nil {
				return fmt.Errorf("get health: %w", err)
			}
			var health struct {
				Version   string `json:"version"`
				Uptime    string `json:"uptime"`
				Scheduler string `json:"scheduler"`
				Store     string `json:"store"`
				Slots     int    `json:"slots"`
				Cores     int    `json:"cores"`
				Sessions  int    `json:"sessions"`
				Device    struct {
					Jobs    int64 `json:"jobs"`
					Dropped int64 `json:"dropped"`
					Aborted int64 `json:"aborted"`
				} `json:"device"`
			}
			if err := resp.decode(&health); err != nil {
				return err
			}

			resp, err = client.Get(ctx, "/api/v1/slots")
			if err != nil {
				return fmt.Errorf("get slots: %w", err)
			}
			var slots struct {
				Slots       []scheduler.SlotInfo `json:"slots"`
				JobQueueRaw uint32               `json:"job_queue_raw"`
				Executing   *int                 `json:"executing"`
				NoFreeSlot  bool                 `json:"no_free_slot"`
			}
			if err := resp.decode(&slots); err != nil {
				return err
			}

			fmt.Fprintf(out, "Daemon:     %s (up %s)\n", health.Version, health.Uptime)
			fmt.Fprintf(out, "Scheduler:  %s, %d slots, %d cores\n", health.Scheduler, health.Slots, health.Cores)
			fmt.Fprintf(out, "Sessions:   %d\n", health.Sessions)
			fmt.Fprintf(out, "Jobs:       %s done, %s dropped, %s aborted\n",
				humanize.Comma(health.Device.Jobs), humanize.Comma(health.Device.Dropped), humanize.Comma(health.Device.Aborted))
			fmt.Fprintf(out, "Trace:      %s\n", health.Store)

			executing := "-"
			if slots.Executing != nil {
				executing = strconv.Itoa(*slots.Executing)
			}
			fmt.Fprintf(out, "Job queue:  %s  executing %s", jobqueue.Format(slots.JobQueueRaw), executing)
			if slots.NoFreeSlot {
				fmt.Fprint(out, "  (no free slot)")
			}
			fmt.Fprintln(out)

			fmt.Fprintf(out, "\n%-4s  %-36s  %-5s  %-5s  %s\n", "SLOT", "SESSION", "ALLOC", "SCHED", "QUEUED")
			for _, si := range slots.Slots {
				session := string(si.Session)
				if session == "" {
					session = "-"
				}
				fmt.Fprintf(out, "%-4d  %-36s  %-5d  %-5d  %d\n", si.Slot, session, si.Alloc, si.Sched, si.Queued)
			}
			return nil
		},
	}
}

func newSessionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List registered sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			resp, err := client.Get(cmd.Context(), "/api/v1/sessions?limit="+strconv.Itoa(limit))
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			var sessions []scheduler.SessionInfo
			if err := resp.decode(&sessions); err != nil {
				return err
			}

			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions registered.")
				return nil
			}

			fmt.Fprintf(out, "%-36s  %-4s  %-5s  %-6s  %s\n", "ID", "SLOT", "CORES", "SECURE", "ENQUEUED")
			fmt.Fprintf(out, "%-36s  %-4s  %-5s  %-6s  %s\n", "--", "----", "-----", "------", "--------")
			for _, si := range sessions {
				slot := "-"
				if si.Slot != scheduler.NoSlot {
					slot = strconv.Itoa(si.Slot)
				}
				fmt.Fprintf(out, "%-36s  %-4s  %-5d  %-6t  %d\n", si.ID, slot, si.Cores, si.Secure, si.Enqueues)
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(sessions), resp.Pagination.Total)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum sessions to list")
	return cmd
}
