package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/mvesched/pkg/model"
)

func newSuspendCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "suspend",
		Short: "Switch every session out and stop scheduling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post(cmd.Context(), "/api/v1/power/suspend?timeout="+timeout.String(), nil)
			if err != nil {
				return fmt.Errorf("suspend: %w", err)
			}
			var pr model.PowerResponse
			if err := resp.decode(&pr); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Suspended after %s\n", pr.Elapsed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Give up waiting for busy slots after this long")
	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Re-enable scheduling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := client.Post(cmd.Context(), "/api/v1/power/resume", nil); err != nil {
				return fmt.Errorf("resume: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Resumed")
			return nil
		},
	}
}

func newIRQDelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "irq-delay [duration]",
		Short: "Show or set the interrupt dispatch delay",
		Long: "Without an argument, print the delay the daemon inserts before each deferred\n" +
			"interrupt dispatch. With one, set it. Intended for reproducing races.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				resp *apiResponse
				err  error
			)
			if len(args) == 0 {
				resp, err = client.Get(cmd.Context(), "/api/v1/debug/irq-delay")
			} else {
				if _, perr := time.ParseDuration(args[0]); perr != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], perr)
				}
				resp, err = client.Put(cmd.Context(), "/api/v1/debug/irq-delay", model.IRQDelayRequest{Delay: args[0]})
			}
			if err != nil {
				return fmt.Errorf("irq delay: %w", err)
			}
			var dr model.IRQDelayResponse
			if err := resp.decode(&dr); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "IRQ delay: %s\n", dr.Delay)
			return nil
		},
	}
}
