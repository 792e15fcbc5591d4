package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/mvesched/internal/irq"
	"github.com/me/mvesched/internal/logging"
	"github.com/me/mvesched/internal/regs"
	"github.com/me/mvesched/internal/scheduler"
)

// Config describes a simulated accelerator and the workload run on it.
type Config struct {
	Sessions int
	Frames   int
	Slots    int
	Cores    int
	Version  uint32

	JobDuration   time.Duration
	TickInterval  time.Duration
	RetryInterval time.Duration // between Execute calls of one session
	Timeout       time.Duration // whole run; zero means no limit

	// SecureEvery makes every n-th session secure. Zero disables.
	SecureEvery int
	// SessionCores is the core count each session requests.
	SessionCores int

	// IRQDelay delays every deferred interrupt dispatch.
	IRQDelay time.Duration
	// PollInterval, when set, polls IRQVE instead of using the device's
	// interrupt line.
	PollInterval time.Duration

	Scheduler scheduler.Config
}

// DefaultConfig returns a small run: eight sessions sharing four slots.
func DefaultConfig() Config {
	return Config{
		Sessions:      8,
		Frames:        30,
		Slots:         regs.MaxSlots,
		Cores:         2,
		Version:       0x56500000,
		JobDuration:   2 * time.Millisecond,
		TickInterval:  500 * time.Microsecond,
		RetryInterval: 5 * time.Millisecond,
		Timeout:       time.Minute,
		SecureEvery:   4,
		SessionCores:  1,
		Scheduler:     scheduler.DefaultConfig(),
	}
}

func (c Config) validate() error {
	switch {
	case c.Sessions < 0:
		return fmt.Errorf("sessions must not be negative, got %d", c.Sessions)
	case c.Frames < 1:
		return fmt.Errorf("frames must be at least 1, got %d", c.Frames)
	case c.JobDuration < 0:
		return fmt.Errorf("job duration must not be negative")
	case c.TickInterval <= 0:
		return fmt.Errorf("tick interval must be positive")
	case c.RetryInterval <= 0:
		return fmt.Errorf("retry interval must be positive")
	case c.SessionCores < 1 || c.SessionCores > regs.CtrlDisallowBits:
		return fmt.Errorf("session cores must be in 1..%d, got %d", regs.CtrlDisallowBits, c.SessionCores)
	}
	return nil
}

// Machine is a simulated accelerator with its scheduler and interrupt
// front-end.
type Machine struct {
	Bank      *regs.Bank
	Device    *Device
	Scheduler *scheduler.Scheduler
	IRQ       *irq.Frontend

	cfg    Config
	logger *slog.Logger
	table  *slotTable
	newID  func() scheduler.SessionID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMachine builds a machine. Events are forwarded to observer, which may
// be nil. A nil logger discards output.
func NewMachine(cfg Config, logger *slog.Logger, observer scheduler.Observer) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid simulation config: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}

	bank := regs.NewBank(regs.BankConfig{Slots: cfg.Slots, Cores: cfg.Cores, Version: cfg.Version})
	dev := NewDevice(bank, cfg.JobDuration)
	table := newSlotTable(dev, observer)

	sched, err := scheduler.New(bank, cfg.Scheduler, logger, scheduler.WithObserver(table))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	fe := irq.New(bank, sched, logger)
	fe.SetDelay(cfg.IRQDelay)
	if cfg.PollInterval <= 0 {
		dev.Connect(fe)
	}

	return &Machine{
		Bank:      bank,
		Device:    dev,
		Scheduler: sched,
		IRQ:       fe,
		cfg:       cfg,
		logger:    logger.With("component", "sim"),
		table:     table,
		newID:     func() scheduler.SessionID { return scheduler.SessionID(uuid.New().String()) },
	}, nil
}

// Start runs the device and the interrupt worker until Close.
func (m *Machine) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	run := func(name string, fn func(context.Context) error) {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("worker stopped", "worker", name, "error", err)
			}
		}()
	}
	run("irq", m.IRQ.Run)
	run("device", func(ctx context.Context) error { return m.Device.Run(ctx, m.cfg.TickInterval) })
	if m.cfg.PollInterval > 0 {
		run("irq-poll", func(ctx context.Context) error { return m.IRQ.Poll(ctx, m.cfg.PollInterval) })
	}
}

// Config returns the configuration the machine was built with.
func (m *Machine) Config() Config { return m.cfg }

// Close stops the workers and the scheduler.
func (m *Machine) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	return m.Scheduler.Close()
}

// Summary reports the outcome of a workload run.
type Summary struct {
	RunID       string             `json:"run_id"`
	Started     time.Time          `json:"started"`
	Duration    time.Duration      `json:"duration"`
	Sessions    []SessionSummary   `json:"sessions"`
	Frames      int                `json:"frames"`
	Completed   int                `json:"completed"`
	Unfinished  int                `json:"unfinished"`
	IRQsRaised  uint64             `json:"irqs_raised"`
	IRQsHandled uint64             `json:"irqs_handled"`
	Device      DeviceStats        `json:"device"`
	Final       scheduler.Snapshot `json:"final"`
}

// RunWorkload registers sessions synthetic sessions of frames frames each
// and drives them to completion. It returns when every session finished or
// ctx ended; the summary is filled in either way.
func (m *Machine) RunWorkload(ctx context.Context, runID string, sessions, frames int) (Summary, error) {
	sum := Summary{RunID: runID, Started: time.Now()}

	workloads := make([]*Workload, 0, sessions)
	for i := 0; i < sessions; i++ {
		id := m.newID()
		w := newWorkload(id, frames, m.table, m.Device)
		cfg := scheduler.SessionConfig{
			MMUCtrl: uint32(i+1) << 12,
			Cores:   m.cfg.SessionCores,
			Secure:  m.cfg.SecureEvery > 0 && i%m.cfg.SecureEvery == m.cfg.SecureEvery-1,
		}
		if err := m.Scheduler.Register(id, cfg, w); err != nil {
			// The machine outlives the workload; leave no sessions behind.
			for _, prev := range workloads {
				if uerr := m.Scheduler.Unregister(prev.id); uerr != nil {
					m.logger.Warn("unregister after failed start", "session", prev.id, "error", uerr)
				}
			}
			return sum, fmt.Errorf("register session %d: %w", i, err)
		}
		workloads = append(workloads, w)
	}
	m.logger.Info("workload started", "run", runID, "sessions", sessions, "frames", frames)

	var wg sync.WaitGroup
	errs := make([]error, len(workloads))
	for i, w := range workloads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = client(ctx, m.Scheduler, w, m.cfg.RetryInterval, m.logger)
		}()
	}
	wg.Wait()

	sum.Duration = time.Since(sum.Started)
	for _, w := range workloads {
		ss := w.Summary()
		sum.Sessions = append(sum.Sessions, ss)
		sum.Frames += ss.Frames
		sum.Completed += ss.Completed
		if ss.Completed < ss.Frames {
			sum.Unfinished++
		}
	}
	sum.IRQsRaised, sum.IRQsHandled = m.IRQ.Stats()
	sum.Device = m.Device.Stats()
	sum.Final = m.Scheduler.Snapshot()

	if err := errors.Join(errs...); err != nil {
		return sum, fmt.Errorf("run %s: %d of %d sessions unfinished: %w", runID, sum.Unfinished, sessions, err)
	}
	m.logger.Info("workload finished", "run", runID, "frames", sum.Completed, "duration", sum.Duration)
	return sum, nil
}

// Run builds a machine from cfg, runs the configured workload on it and
// tears it down.
func Run(ctx context.Context, cfg Config, logger *slog.Logger, observer scheduler.Observer) (Summary, error) {
	return RunWithID(ctx, uuid.New().String(), cfg, logger, observer)
}

// RunWithID is Run with a caller-chosen run ID, so that an observer can be
// keyed by it before the run starts.
func RunWithID(ctx context.Context, runID string, cfg Config, logger *slog.Logger, observer scheduler.Observer) (Summary, error) {
	m, err := NewMachine(cfg, logger, observer)
	if err != nil {
		return Summary{RunID: runID}, err
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	m.Start(ctx)
	sum, runErr := m.RunWorkload(ctx, runID, cfg.Sessions, cfg.Frames)
	if err := m.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return sum, runErr
}
