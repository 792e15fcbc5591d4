package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/mvesched/internal/config"
	"github.com/me/mvesched/internal/scheduler"
	"github.com/me/mvesched/internal/sim"
	"github.com/me/mvesched/internal/store"
	"github.com/me/mvesched/internal/trace"
	"github.com/me/mvesched/pkg/model"
)

func newSimulateCmd() *cobra.Command {
	var (
		sessions      int
		frames        int
		slots         int
		cores         int
		jobDuration   time.Duration
		irqDelay      time.Duration
		pollInterval  time.Duration
		idleSwitchout bool
		tracePath     string
		output        string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a synthetic workload against a simulated accelerator",
		Long: "simulate builds a simulated accelerator, registers --sessions decoding sessions\n" +
			"of --frames frames each and schedules them until every frame is decoded.\n" +
			"With --trace, every scheduling event is written to a SQLite database that\n" +
			"the daemon's /runs endpoints can serve.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("sessions") {
				cfg.Simulation.Sessions = sessions
			}
			if f.Changed("frames") {
				cfg.Simulation.Frames = frames
			}
			if f.Changed("slots") {
				cfg.Hardware.Slots = slots
			}
			if f.Changed("cores") {
				cfg.Hardware.Cores = cores
			}
			if f.Changed("job") {
				cfg.Simulation.JobDuration = config.Duration(jobDuration)
			}
			if f.Changed("irq-delay") {
				cfg.Simulation.IRQDelay = config.Duration(irqDelay)
			}
			if f.Changed("poll") {
				cfg.Simulation.PollInterval = config.Duration(pollInterval)
			}
			if f.Changed("idle-switchout") {
				cfg.Scheduler.IdleSwitchout = idleSwitchout
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if output != "text" && output != "yaml" {
				return fmt.Errorf("unknown output format %q (text, yaml)", output)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			simCfg := cfg.SimConfig()
			var sum sim.Summary
			if tracePath == "" {
				sum, err = sim.Run(ctx, simCfg, logger, nil)
			} else {
				sum, err = simulateTraced(ctx, tracePath, simCfg, cfg.TraceOptions())
			}

			out := cmd.OutOrStdout()
			if output == "yaml" {
				if yerr := yaml.NewEncoder(out).Encode(sum); yerr != nil {
					return errors.Join(err, yerr)
				}
			} else {
				printSummary(out, sum)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.IntVar(&sessions, "sessions", 8, "Concurrent sessions")
	f.IntVar(&frames, "frames", 30, "Frames per session")
	f.IntVar(&slots, "slots", 4, "Hardware slots")
	f.IntVar(&cores, "cores", 2, "Hardware cores")
	f.DurationVar(&jobDuration, "job", 2*time.Millisecond, "Simulated decode time per frame")
	f.DurationVar(&irqDelay, "irq-delay", 0, "Delay before each deferred interrupt dispatch")
	f.DurationVar(&pollInterval, "poll", 0, "Poll for interrupts at this interval instead of using the interrupt line")
	f.BoolVar(&idleSwitchout, "idle-switchout", false, "Release slots of sessions that went idle")
	f.StringVar(&tracePath, "trace", "", "Record the run into this SQLite database")
	f.StringVarP(&output, "output", "o", "text", "Summary format (text, yaml)")
	return cmd
}

// simulateTraced runs the workload while recording it into the database at path.
func simulateTraced(ctx context.Context, path string, cfg sim.Config, opts trace.Options) (sim.Summary, error) {
	st, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return sim.Summary{}, fmt.Errorf("open trace store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return sim.Summary{}, fmt.Errorf("migrate trace store: %w", err)
	}

	run := &model.Run{
		Sessions: cfg.Sessions,
		Frames:   cfg.Frames,
		Slots:    cfg.Slots,
		Cores:    cfg.Cores,
	}
	sum, err := trace.Record(ctx, st, run, opts, logger, func(o scheduler.Observer) (sim.Summary, error) {
		return sim.RunWithID(ctx, run.ID, cfg, logger, o)
	})
	logger.Info("trace recorded", "run", run.ID, "state", run.State, "path", path)
	return sum, err
}

func printSummary(out io.Writer, sum sim.Summary) {
	fmt.Fprintf(out, "Run:        %s\n", sum.RunID)
	fmt.Fprintf(out, "  Frames:   %s of %s in %s\n",
		humanize.Comma(int64(sum.Completed)), humanize.Comma(int64(sum.Frames)), sum.Duration.Round(time.Millisecond))
	if sum.Duration > 0 {
		fmt.Fprintf(out, "  Rate:     %s frames/s\n",
			humanize.CommafWithDigits(float64(sum.Completed)/sum.Duration.Seconds(), 1))
	}
	fmt.Fprintf(out, "  IRQs:     %s raised, %s handled\n",
		humanize.Comma(int64(sum.IRQsRaised)), humanize.Comma(int64(sum.IRQsHandled)))
	fmt.Fprintf(out, "  Device:   %s jobs, %s dropped, %s aborted\n",
		humanize.Comma(sum.Device.Jobs), humanize.Comma(sum.Device.Dropped), humanize.Comma(sum.Device.Aborted))
	if sum.Unfinished > 0 {
		fmt.Fprintf(out, "  Unfinished sessions: %d\n", sum.Unfinished)
	}

	fmt.Fprintf(out, "\n%-36s  %-9s  %-6s  %-7s  %-8s  %s\n", "SESSION", "FRAMES", "IRQS", "SW-IN", "EVICTED", "LAST")
	for _, ss := range sum.Sessions {
		fmt.Fprintf(out, "%-36s  %4d/%-4d  %-6d  %-7d  %-8d  %s\n",
			ss.ID, ss.Completed, ss.Frames, ss.IRQs, ss.SwitchIns, ss.Evictions, ss.LastState)
	}
}
