// Package wash sequences one wash on the controller: readiness waits, the
// mode pulse, start confirmation and run monitoring. Every wait is
// debounced and bounded by its policy hard timeout.
package wash

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/washkiosk/internal/metrics"
	"github.com/shaunagostinho/washkiosk/internal/plc"
	"github.com/shaunagostinho/washkiosk/internal/policy"
)

// Controller is the register access the machine needs.
type Controller interface {
	ReadFault(ctx context.Context) (plc.Tristate, error)
	ReadPreviousCar(ctx context.Context) (plc.Tristate, error)
	ReadReady(ctx context.Context) (plc.Tristate, error)
	ReadPositionStable(ctx context.Context) (plc.Tristate, error)
	ReadAutoStatus(ctx context.Context) (plc.Tristate, error)
	WriteModePulse(ctx context.Context, mode int) error
}

// Config holds the counts that are not timing.
type Config struct {
	Confirmations int `yaml:"confirmations" json:"confirmations"`  // consecutive reads to accept a value
	SendAttempts  int `yaml:"send_attempts" json:"sendAttempts"`   // pulse writes per round
	ConfirmRounds int `yaml:"confirm_rounds" json:"confirmRounds"` // pulse + confirm rounds
}

// DefaultConfig returns 2 confirmations, 3 send attempts and 3 rounds.
func DefaultConfig() Config {
	return Config{Confirmations: 2, SendAttempts: 3, ConfirmRounds: 3}
}

// Observer receives a copy of the state after every change.
type Observer func(State)

// Machine runs start attempts and run monitoring.
type Machine struct {
	ctrl     Controller
	pol      *policy.Policy
	cfg      Config
	log      *zap.Logger
	observer Observer
}

// New returns a Machine. observer may be nil.
func New(ctrl Controller, pol *policy.Policy, cfg Config, log *zap.Logger, observer Observer) *Machine {
	def := DefaultConfig()
	if cfg.Confirmations <= 0 {
		cfg.Confirmations = def.Confirmations
	}
	if cfg.SendAttempts <= 0 {
		cfg.SendAttempts = def.SendAttempts
	}
	if cfg.ConfirmRounds <= 0 {
		cfg.ConfirmRounds = def.ConfirmRounds
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{ctrl: ctrl, pol: pol, cfg: cfg, log: log, observer: observer}
}

type outcome int

const (
	confirmed outcome = iota
	timedOut
	cancelled
)

// attempt carries the mutable state of one Start or Monitor call.
type attempt struct {
	m     *Machine
	mode  int
	state State
	began time.Time
	log   *zap.Logger
}

func (a *attempt) enter(p Phase) {
	a.state.Phase = p
	a.state.Confirmations = 0
	a.state.Attempt = 0
	a.log.Info("phase", zap.String("phase", string(p)), zap.Int("round", a.state.Round))
	a.publish()
}

func (a *attempt) publish() {
	a.state.Elapsed = time.Since(a.began)
	if a.m.observer != nil {
		a.m.observer(a.state)
	}
}

func (a *attempt) softAlert(p Phase, after time.Duration) {
	metrics.SoftTimeouts.WithLabelValues(strconv.Itoa(a.mode), string(p.policy())).Inc()
	a.log.Warn("soft timeout exceeded", zap.String("phase", string(p)), zap.Duration("after", after))
}

// Start runs the phases up to a confirmed automatic cycle. It never returns
// Success unless auto-status was confirmed after a pulse.
func (m *Machine) Start(ctx context.Context, mode int) StartResult {
	a := &attempt{
		m:     m,
		mode:  mode,
		state: State{Mode: mode},
		began: time.Now(),
		log:   m.log.With(zap.Int("mode", mode)),
	}

	steps := []struct {
		phase  Phase
		read   func(context.Context) (plc.Tristate, error)
		want   plc.Tristate
		reason Reason
	}{
		{PhaseWaitPreviousCarLeave, m.ctrl.ReadPreviousCar, plc.False, ReasonPreviousCarNotLeft},
		{PhaseWaitCarInPosition, m.ctrl.ReadPositionStable, plc.True, ReasonCarNotInPosition},
		{PhaseWaitDeviceReady, m.ctrl.ReadReady, plc.True, ReasonDeviceNotReady},
	}
	for _, s := range steps {
		a.enter(s.phase)
		switch a.waitFor(ctx, s.phase, s.read, s.want) {
		case timedOut:
			return a.refund(s.reason)
		case cancelled:
			return a.refund(ReasonCancelled)
		}
	}

	for round := 1; round <= m.cfg.ConfirmRounds; round++ {
		a.state.Round = round

		a.enter(PhaseSendMode)
		if err := a.sendMode(ctx); err != nil {
			if ctx.Err() != nil {
				return a.refund(ReasonCancelled)
			}
			return a.refund(ReasonSendModeFailed)
		}

		a.enter(PhaseConfirmStart)
		switch a.waitFor(ctx, PhaseConfirmStart, m.ctrl.ReadAutoStatus, plc.True) {
		case confirmed:
			a.state.Phase = PhaseSuccess
			a.publish()
			a.log.Info("automatic cycle confirmed", zap.Duration("elapsed", a.state.Elapsed))
			return StartResult{Success: true, PulseSent: true, Duration: a.state.Elapsed}
		case cancelled:
			return a.refund(ReasonCancelled)
		}
		a.log.Warn("auto-status not confirmed, re-sending mode", zap.Int("round", round))
	}
	return a.refund(ReasonNotEnteredAutoStatus)
}

func (a *attempt) refund(r Reason) StartResult {
	a.state.Phase = PhaseRefunding
	a.state.Reason = r
	a.publish()
	a.log.Warn("start failed", zap.String("reason", string(r)), zap.Bool("pulseSent", a.state.PulseSent))
	return StartResult{Reason: r, PulseSent: a.state.PulseSent, Duration: a.state.Elapsed}
}

// sendMode writes the pulse, retrying failed writes at the policy interval.
// A pulse refused because the cycle is already running counts as sent once
// an earlier round has pulsed or an earlier write went unconfirmed. If the
// attempts run out after an unconfirmed write, the pulse is treated as sent.
func (a *attempt) sendMode(ctx context.Context) (err error) {
	cfg := a.m.pol.Lookup(a.mode, policy.SendMode)
	start := time.Now()

	uncertain := false
	defer func() {
		if err != nil && uncertain {
			a.state.PulseSent = true
		}
	}()

	for n := 1; n <= a.m.cfg.SendAttempts; n++ {
		a.state.Attempt = n
		a.publish()

		err = a.m.ctrl.WriteModePulse(ctx, a.mode)
		if err == nil || (errors.Is(err, plc.ErrAlreadyRunning) && (a.state.PulseSent || uncertain)) {
			if err != nil {
				a.log.Warn("controller already running after unconfirmed pulse", zap.Int("attempt", n))
			}
			a.state.PulseSent = true
			if cfg.SoftTimeout > 0 && time.Since(start) > cfg.SoftTimeout {
				a.softAlert(PhaseSendMode, time.Since(start))
			}
			return nil
		}
		if errors.Is(err, plc.ErrPulseUncertain) {
			uncertain = true
		}
		a.log.Warn("mode pulse failed", zap.Int("attempt", n), zap.Bool("uncertain", uncertain), zap.Error(err))

		if n == a.m.cfg.SendAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.PollInterval):
		}
	}
	return err
}

// waitFor polls read until it returns want on Confirmations consecutive
// polls. Any other value, including Unknown, resets the count.
func (a *attempt) waitFor(ctx context.Context, p Phase, read func(context.Context) (plc.Tristate, error), want plc.Tristate) outcome {
	cfg := a.m.pol.Lookup(a.mode, p.policy())
	start := time.Now()

	hard := time.NewTimer(cfg.HardTimeout)
	defer hard.Stop()
	var soft <-chan time.Time
	if cfg.SoftTimeout > 0 {
		t := time.NewTimer(cfg.SoftTimeout)
		defer t.Stop()
		soft = t.C
	}
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		v, err := read(ctx)
		if v == want {
			a.state.Confirmations++
		} else {
			a.state.Confirmations = 0
		}
		if err != nil && ctx.Err() == nil {
			a.log.Debug("poll read failed", zap.String("phase", string(p)), zap.Error(err))
		}
		a.publish()

		if a.state.Confirmations >= a.m.cfg.Confirmations {
			return confirmed
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return cancelled
			case <-hard.C:
				a.log.Warn("hard timeout", zap.String("phase", string(p)), zap.Duration("after", time.Since(start)))
				return timedOut
			case <-soft:
				soft = nil
				a.softAlert(p, time.Since(start))
			case <-ticker.C:
				break wait
			}
		}
	}
}

// Monitor watches a started cycle until the car has left. A latched fault or
// the run hard timeout ends it with a reason that needs an operator.
func (m *Machine) Monitor(ctx context.Context, mode int) RunResult {
	a := &attempt{
		m:     m,
		mode:  mode,
		state: State{Mode: mode, PulseSent: true},
		began: time.Now(),
		log:   m.log.With(zap.Int("mode", mode)),
	}
	a.enter(PhaseRunMonitor)

	cfg := m.pol.Lookup(mode, policy.RunMonitor)
	hard := time.NewTimer(cfg.HardTimeout)
	defer hard.Stop()
	var soft <-chan time.Time
	if cfg.SoftTimeout > 0 {
		t := time.NewTimer(cfg.SoftTimeout)
		defer t.Stop()
		soft = t.C
	}
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	faults := 0
	finish := func(r Reason) RunResult {
		a.state.Reason = r
		a.publish()
		if r == "" {
			a.log.Info("car departed, wash complete", zap.Duration("elapsed", a.state.Elapsed))
			return RunResult{Completed: true, Duration: a.state.Elapsed}
		}
		a.log.Warn("run ended abnormally", zap.String("reason", string(r)))
		return RunResult{Reason: r, Duration: a.state.Elapsed}
	}

	for {
		fault, _ := m.ctrl.ReadFault(ctx)
		if fault == plc.True {
			faults++
		} else {
			faults = 0
		}
		if faults >= m.cfg.Confirmations {
			return finish(ReasonFaultDuringRun)
		}

		pos, _ := m.ctrl.ReadPositionStable(ctx)
		if pos == plc.False {
			a.state.Confirmations++
		} else {
			a.state.Confirmations = 0
		}
		a.publish()
		if a.state.Confirmations >= m.cfg.Confirmations {
			return finish("")
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return finish(ReasonCancelled)
			case <-hard.C:
				return finish(ReasonRunTimeout)
			case <-soft:
				soft = nil
				a.softAlert(PhaseRunMonitor, time.Since(a.began))
			case <-ticker.C:
				break wait
			}
		}
	}
}
