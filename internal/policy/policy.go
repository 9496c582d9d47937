// Package policy holds the per-mode phase timing table. Soft timeouts only
// raise an alert; the hard timeout is the only thing that fails a phase.
package policy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Phase names a timed step of an order.
type Phase string

const (
	WaitPreviousCarLeave Phase = "wait_previous_car_leave"
	WaitCarInPosition    Phase = "wait_car_in_position"
	WaitDeviceReady      Phase = "wait_device_ready"
	SendMode             Phase = "send_mode"
	ConfirmStart         Phase = "confirm_start"
	RunMonitor           Phase = "run_monitor"
	GateCheckWait        Phase = "gate_check_wait"
)

// Phases lists every known phase in execution order.
var Phases = []Phase{
	GateCheckWait,
	WaitPreviousCarLeave,
	WaitCarInPosition,
	WaitDeviceReady,
	SendMode,
	ConfirmStart,
	RunMonitor,
}

// Wash modes covered by the table.
const (
	MinMode = 1
	MaxMode = 4
)

// PhaseConfig is the timing of one phase. A zero SoftTimeout disables the
// alert. For SendMode, PollInterval is the spacing between write attempts.
type PhaseConfig struct {
	SoftTimeout  time.Duration
	HardTimeout  time.Duration
	PollInterval time.Duration
}

// Spec is the YAML form of a PhaseConfig. Zero fields keep the value they
// override.
type Spec struct {
	SoftTimeoutSec int `yaml:"soft_timeout_sec" json:"softTimeoutSec"`
	HardTimeoutSec int `yaml:"hard_timeout_sec" json:"hardTimeoutSec"`
	PollIntervalMs int `yaml:"poll_interval_ms" json:"pollIntervalMs"`
}

// Overrides adjust the built-in table: Defaults apply to every mode, Modes
// to a single mode.
type Overrides struct {
	Defaults map[Phase]Spec         `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Modes    map[int]map[Phase]Spec `yaml:"modes,omitempty" json:"modes,omitempty"`
}

type key struct {
	mode  int
	phase Phase
}

// Policy is an immutable (mode, phase) → PhaseConfig table.
type Policy struct {
	table map[key]PhaseConfig
}

func phase(soft, hard, poll time.Duration) PhaseConfig {
	return PhaseConfig{SoftTimeout: soft, HardTimeout: hard, PollInterval: poll}
}

// Default returns the built-in table.
func Default() *Policy {
	base := map[Phase]PhaseConfig{
		GateCheckWait:        phase(time.Minute, 2*time.Minute, 5*time.Second),
		WaitPreviousCarLeave: phase(150*time.Second, 5*time.Minute, 12*time.Second),
		WaitCarInPosition:    phase(90*time.Second, 3*time.Minute, 6*time.Second),
		WaitDeviceReady:      phase(30*time.Second, time.Minute, 4*time.Second),
		SendMode:             phase(3*time.Second, 5*time.Second, time.Second),
		ConfirmStart:         phase(5*time.Second, 10*time.Second, time.Second),
	}
	// longer programs get a longer run allowance
	runHard := map[int]time.Duration{
		1: 10 * time.Minute,
		2: 15 * time.Minute,
		3: 20 * time.Minute,
		4: 25 * time.Minute,
	}

	p := &Policy{table: make(map[key]PhaseConfig)}
	for mode := MinMode; mode <= MaxMode; mode++ {
		for ph, cfg := range base {
			p.table[key{mode, ph}] = cfg
		}
		p.table[key{mode, RunMonitor}] = phase(runHard[mode]/2, runHard[mode], 2*time.Second)
	}
	return p
}

// New returns the default table with o applied.
func New(o Overrides) (*Policy, error) {
	p := Default()

	for _, ph := range sortedPhases(o.Defaults) {
		if !known(ph) {
			return nil, fmt.Errorf("policy: unknown phase %q", ph)
		}
		for mode := MinMode; mode <= MaxMode; mode++ {
			p.apply(mode, ph, o.Defaults[ph])
		}
	}
	for mode, phases := range o.Modes {
		if mode < MinMode || mode > MaxMode {
			return nil, fmt.Errorf("policy: mode %d out of range %d..%d", mode, MinMode, MaxMode)
		}
		for ph, spec := range phases {
			if !known(ph) {
				return nil, fmt.Errorf("policy: unknown phase %q", ph)
			}
			p.apply(mode, ph, spec)
		}
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Parse reads Overrides from YAML and builds the policy.
func Parse(data []byte) (*Policy, error) {
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("policy: parse: %w", err)
	}
	return New(o)
}

// Lookup returns the timing for mode and phase. Modes outside the table fall
// back to mode 1.
func (p *Policy) Lookup(mode int, ph Phase) PhaseConfig {
	if cfg, ok := p.table[key{mode, ph}]; ok {
		return cfg
	}
	return p.table[key{MinMode, ph}]
}

// Scaled returns a copy with every duration multiplied by f. Used to run
// the full phase sequence quickly in tests and demos.
func (p *Policy) Scaled(f float64) *Policy {
	out := &Policy{table: make(map[key]PhaseConfig, len(p.table))}
	scale := func(d time.Duration) time.Duration { return time.Duration(math.Round(float64(d) * f)) }
	for k, cfg := range p.table {
		out.table[k] = PhaseConfig{
			SoftTimeout:  scale(cfg.SoftTimeout),
			HardTimeout:  scale(cfg.HardTimeout),
			PollInterval: scale(cfg.PollInterval),
		}
	}
	return out
}

// With returns a copy with one entry replaced.
func (p *Policy) With(mode int, ph Phase, cfg PhaseConfig) *Policy {
	out := &Policy{table: make(map[key]PhaseConfig, len(p.table))}
	for k, v := range p.table {
		out.table[k] = v
	}
	out.table[key{mode, ph}] = cfg
	return out
}

func (p *Policy) apply(mode int, ph Phase, s Spec) {
	k := key{mode, ph}
	cfg := p.table[k]
	if s.SoftTimeoutSec > 0 {
		cfg.SoftTimeout = time.Duration(s.SoftTimeoutSec) * time.Second
	}
	if s.HardTimeoutSec > 0 {
		cfg.HardTimeout = time.Duration(s.HardTimeoutSec) * time.Second
	}
	if s.PollIntervalMs > 0 {
		cfg.PollInterval = time.Duration(s.PollIntervalMs) * time.Millisecond
	}
	p.table[k] = cfg
}

func (p *Policy) validate() error {
	for k, cfg := range p.table {
		if cfg.HardTimeout <= 0 || cfg.PollInterval <= 0 {
			return fmt.Errorf("policy: mode %d %s: hard timeout and poll interval must be positive", k.mode, k.phase)
		}
		if cfg.SoftTimeout > cfg.HardTimeout {
			return fmt.Errorf("policy: mode %d %s: soft timeout %s exceeds hard timeout %s",
				k.mode, k.phase, cfg.SoftTimeout, cfg.HardTimeout)
		}
	}
	return nil
}

func known(ph Phase) bool {
	for _, p := range Phases {
		if p == ph {
			return true
		}
	}
	return false
}

func sortedPhases(m map[Phase]Spec) []Phase {
	out := make([]Phase, 0, len(m))
	for ph := range m {
		out = append(out, ph)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
