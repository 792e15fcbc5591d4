// Package config loads the YAML configuration shared by the daemon and the
// command-line tool.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/mvesched/internal/regs"
	"github.com/me/mvesched/internal/scheduler"
	"github.com/me/mvesched/internal/sim"
	"github.com/me/mvesched/internal/trace"
)

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the complete configuration file.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Server     ServerConfig     `yaml:"server"`
	Hardware   HardwareConfig   `yaml:"hardware"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Simulation SimulationConfig `yaml:"simulation"`
	Trace      TraceConfig      `yaml:"trace"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ServerConfig holds configuration for the diagnostics server.
type ServerConfig struct {
	Addr   string `yaml:"addr"`    // Listen address (default ":8080")
	DBPath string `yaml:"db_path"` // SQLite trace database; empty means ~/.mvesched/mvesched.db
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr: ":8080",
	}
}

// HardwareConfig describes the simulated accelerator.
type HardwareConfig struct {
	Slots   int    `yaml:"slots"`
	Cores   int    `yaml:"cores"`
	Version uint32 `yaml:"version"`
}

// SchedulerConfig mirrors scheduler.Config.
type SchedulerConfig struct {
	PendingCapacity     int      `yaml:"pending_capacity"`
	UnscheduledWait     Duration `yaml:"unscheduled_wait"`
	TerminateRetries    int      `yaml:"terminate_retries"`
	DrainRetries        int      `yaml:"drain_retries"`
	EnableRetries       int      `yaml:"enable_retries"`
	SuspendPollInterval Duration `yaml:"suspend_poll_interval"`
	IdleSwitchout       bool     `yaml:"idle_switchout"`
	BusAttributes       []uint32 `yaml:"bus_attributes,flow"`
}

// SimulationConfig describes the synthetic workload.
type SimulationConfig struct {
	Sessions      int      `yaml:"sessions"`
	Frames        int      `yaml:"frames"`
	SessionCores  int      `yaml:"session_cores"`
	SecureEvery   int      `yaml:"secure_every"`
	JobDuration   Duration `yaml:"job_duration"`
	TickInterval  Duration `yaml:"tick_interval"`
	RetryInterval Duration `yaml:"retry_interval"`
	Timeout       Duration `yaml:"timeout"`
	IRQDelay      Duration `yaml:"irq_delay"`
	PollInterval  Duration `yaml:"poll_interval"` // zero uses the interrupt line
}

// TraceConfig tunes the trace recorder.
type TraceConfig struct {
	Buffer        int      `yaml:"buffer"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	sc := scheduler.DefaultConfig()
	sm := sim.DefaultConfig()
	tr := trace.DefaultOptions()
	return Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: DefaultServerConfig(),
		Hardware: HardwareConfig{
			Slots:   sm.Slots,
			Cores:   sm.Cores,
			Version: sm.Version,
		},
		Scheduler: SchedulerConfig{
			PendingCapacity:     sc.PendingCapacity,
			UnscheduledWait:     Duration(sc.UnscheduledWait),
			TerminateRetries:    sc.TerminateRetries,
			DrainRetries:        sc.DrainRetries,
			EnableRetries:       sc.EnableRetries,
			SuspendPollInterval: Duration(sc.SuspendPollInterval),
			IdleSwitchout:       sc.IdleSwitchout,
			BusAttributes:       sc.BusAttributes[:],
		},
		Simulation: SimulationConfig{
			Sessions:      sm.Sessions,
			Frames:        sm.Frames,
			SessionCores:  sm.SessionCores,
			SecureEvery:   sm.SecureEvery,
			JobDuration:   Duration(sm.JobDuration),
			TickInterval:  Duration(sm.TickInterval),
			RetryInterval: Duration(sm.RetryInterval),
			Timeout:       Duration(sm.Timeout),
			IRQDelay:      Duration(sm.IRQDelay),
			PollInterval:  Duration(sm.PollInterval),
		},
		Trace: TraceConfig{
			Buffer:        tr.Buffer,
			BatchSize:     tr.BatchSize,
			FlushInterval: Duration(tr.FlushInterval),
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are errors.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r over the defaults.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Encode writes cfg as YAML.
func (c Config) Encode(w io.Writer) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Validate reports values no component would accept.
func (c Config) Validate() error {
	var errs []error
	if c.Hardware.Slots < 1 || c.Hardware.Slots > regs.MaxSlots {
		errs = append(errs, fmt.Errorf("hardware.slots must be in 1..%d, got %d", regs.MaxSlots, c.Hardware.Slots))
	}
	if c.Hardware.Cores < 1 || c.Hardware.Cores > regs.CtrlDisallowBits {
		errs = append(errs, fmt.Errorf("hardware.cores must be in 1..%d, got %d", regs.CtrlDisallowBits, c.Hardware.Cores))
	}
	if n := len(c.Scheduler.BusAttributes); n != 0 && n != regs.BusAttrCount {
		errs = append(errs, fmt.Errorf("scheduler.bus_attributes needs %d values, got %d", regs.BusAttrCount, n))
	}
	if c.Scheduler.PendingCapacity < 0 {
		errs = append(errs, fmt.Errorf("scheduler.pending_capacity must not be negative"))
	}
	if c.Simulation.Frames < 1 {
		errs = append(errs, fmt.Errorf("simulation.frames must be at least 1"))
	}
	if c.Simulation.Sessions < 0 {
		errs = append(errs, fmt.Errorf("simulation.sessions must not be negative"))
	}
	if c.Simulation.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("simulation.tick_interval must be positive"))
	}
	return errors.Join(errs...)
}

// SchedulerConfig returns the scheduler settings.
func (c Config) SchedulerConfig() scheduler.Config {
	sc := scheduler.Config{
		PendingCapacity:     c.Scheduler.PendingCapacity,
		UnscheduledWait:     time.Duration(c.Scheduler.UnscheduledWait),
		TerminateRetries:    c.Scheduler.TerminateRetries,
		DrainRetries:        c.Scheduler.DrainRetries,
		EnableRetries:       c.Scheduler.EnableRetries,
		SuspendPollInterval: time.Duration(c.Scheduler.SuspendPollInterval),
		IdleSwitchout:       c.Scheduler.IdleSwitchout,
	}
	copy(sc.BusAttributes[:], c.Scheduler.BusAttributes)
	return sc
}

// SimConfig returns the simulation settings, including the scheduler's.
func (c Config) SimConfig() sim.Config {
	return sim.Config{
		Sessions:      c.Simulation.Sessions,
		Frames:        c.Simulation.Frames,
		Slots:         c.Hardware.Slots,
		Cores:         c.Hardware.Cores,
		Version:       c.Hardware.Version,
		JobDuration:   time.Duration(c.Simulation.JobDuration),
		TickInterval:  time.Duration(c.Simulation.TickInterval),
		RetryInterval: time.Duration(c.Simulation.RetryInterval),
		Timeout:       time.Duration(c.Simulation.Timeout),
		SecureEvery:   c.Simulation.SecureEvery,
		SessionCores:  c.Simulation.SessionCores,
		IRQDelay:      time.Duration(c.Simulation.IRQDelay),
		PollInterval:  time.Duration(c.Simulation.PollInterval),
		Scheduler:     c.SchedulerConfig(),
	}
}

// TraceOptions returns the recorder settings.
func (c Config) TraceOptions() trace.Options {
	return trace.Options{
		Buffer:        c.Trace.Buffer,
		BatchSize:     c.Trace.BatchSize,
		FlushInterval: time.Duration(c.Trace.FlushInterval),
	}
}
