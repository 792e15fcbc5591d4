package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/mvesched/internal/scheduler"
)

func TestDefault_MatchesComponentDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	sc := cfg.SchedulerConfig()
	want := scheduler.DefaultConfig()
	if sc != want {
		t.Errorf("SchedulerConfig() = %+v, want %+v", sc, want)
	}

	sm := cfg.SimConfig()
	if sm.Slots != cfg.Hardware.Slots || sm.Scheduler != want {
		t.Errorf("SimConfig() = %+v", sm)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
}

func TestDecode_OverridesDefaults(t *testing.T) {
	const doc = `
log:
  level: debug
hardware:
  slots: 2
  cores: 4
  version: 0x56500001
scheduler:
  unscheduled_wait: 5ms
  idle_switchout: true
  bus_attributes: [1, 2, 3, 4]
simulation:
  sessions: 16
  job_duration: 750us
trace:
  flush_interval: 1s
`
	cfg, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Hardware.Slots != 2 || cfg.Hardware.Cores != 4 || cfg.Hardware.Version != 0x56500001 {
		t.Errorf("Hardware = %+v", cfg.Hardware)
	}

	sc := cfg.SchedulerConfig()
	if sc.UnscheduledWait != 5*time.Millisecond || !sc.IdleSwitchout {
		t.Errorf("scheduler = %+v", sc)
	}
	if sc.BusAttributes != [4]uint32{1, 2, 3, 4} {
		t.Errorf("BusAttributes = %v", sc.BusAttributes)
	}
	// Untouched keys keep their defaults.
	if sc.TerminateRetries != scheduler.DefaultConfig().TerminateRetries {
		t.Errorf("TerminateRetries = %d", sc.TerminateRetries)
	}

	sm := cfg.SimConfig()
	if sm.Sessions != 16 || sm.JobDuration != 750*time.Microsecond || sm.Frames != Default().Simulation.Frames {
		t.Errorf("sim = %+v", sm)
	}
	if cfg.TraceOptions().FlushInterval != time.Second {
		t.Errorf("trace flush = %v", cfg.TraceOptions().FlushInterval)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown key", "scheduler:\n  pending: 3\n", "field pending not found"},
		{"bad duration", "scheduler:\n  unscheduled_wait: soon\n", "invalid duration"},
		{"too many slots", "hardware:\n  slots: 5\n", "hardware.slots"},
		{"bus attributes", "scheduler:\n  bus_attributes: [1, 2]\n", "bus_attributes"},
		{"no frames", "simulation:\n  frames: 0\n", "simulation.frames"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.doc))
			if err == nil {
				t.Fatal("Decode accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestDecode_Empty(t *testing.T) {
	cfg, err := Decode(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Decode(empty): %v", err)
	}
	if cfg.Simulation.Sessions != Default().Simulation.Sessions {
		t.Error("empty document changed defaults")
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Simulation.IRQDelay = Duration(3 * time.Millisecond)

	var buf bytes.Buffer
	if err := cfg.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(buf.String(), "irq_delay: 3ms") {
		t.Errorf("encoded config lacks irq_delay:\n%s", buf.String())
	}

	path := filepath.Join(t.TempDir(), "mvesched.yaml")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Simulation.IRQDelay != cfg.Simulation.IRQDelay {
		t.Errorf("IRQDelay = %v, want %v", got.Simulation.IRQDelay, cfg.Simulation.IRQDelay)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}
