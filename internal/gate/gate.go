// Package gate decides whether the wash machine may accept a payment.
// Every condition must be confirmed; an unanswered read never passes.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/shaunagostinho/washkiosk/internal/plc"
)

// Reason explains a failed check.
type Reason string

const (
	ReasonNotConnected        Reason = "NOT_CONNECTED"
	ReasonDeviceFault         Reason = "DEVICE_FAULT"
	ReasonDeviceNotReady      Reason = "DEVICE_NOT_READY"
	ReasonCommunicationFailed Reason = "COMMUNICATION_FAILED"
)

// Result of one gate check. Reason is empty when Passed.
type Result struct {
	Passed      bool         `json:"passed"`
	Reason      Reason       `json:"reason,omitempty"`
	PreviousCar plc.Tristate `json:"previousCar"`
	CheckedAt   time.Time    `json:"checkedAt"`
}

// Controller is the register access the checker needs.
type Controller interface {
	Connected() bool
	Reconnect(ctx context.Context) error
	ReadFault(ctx context.Context) (plc.Tristate, error)
	ReadReady(ctx context.Context) (plc.Tristate, error)
	ReadPreviousCar(ctx context.Context) (plc.Tristate, error)
}

// Config sets the read retry schedule. With the defaults a read is tried at
// 0s, 1s, 2s and 4s.
type Config struct {
	Attempts        int           `yaml:"attempts" json:"attempts"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initialInterval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"maxInterval"`
}

// DefaultConfig returns 4 attempts backing off from 1s, capped at 10s.
func DefaultConfig() Config {
	return Config{
		Attempts:        4,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
	}
}

var errNoValue = errors.New("gate: read returned no value")

// Checker runs gate checks against a controller.
type Checker struct {
	ctrl Controller
	cfg  Config
	log  *zap.Logger
}

// New returns a Checker.
func New(ctrl Controller, cfg Config, log *zap.Logger) *Checker {
	def := DefaultConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{ctrl: ctrl, cfg: cfg, log: log}
}

// Check runs the admission sequence: link, fault, ready, then previous-car
// for the log only.
func (c *Checker) Check(ctx context.Context) Result {
	res := c.check(ctx)
	res.CheckedAt = time.Now()
	if res.Passed {
		c.log.Info("gate check passed", zap.Stringer("previousCar", res.PreviousCar))
	} else {
		c.log.Warn("gate check failed", zap.String("reason", string(res.Reason)))
	}
	return res
}

func (c *Checker) check(ctx context.Context) Result {
	if !c.ctrl.Connected() {
		c.log.Info("link down, reconnecting")
		if err := c.ctrl.Reconnect(ctx); err != nil {
			c.log.Warn("reconnect failed", zap.Error(err))
			return Result{Reason: ReasonNotConnected}
		}
	}

	fault, err := c.readWithRetry(ctx, "fault", c.ctrl.ReadFault)
	if err != nil {
		return Result{Reason: ReasonCommunicationFailed}
	}
	if fault == plc.True {
		return Result{Reason: ReasonDeviceFault}
	}

	ready, err := c.readWithRetry(ctx, "ready", c.ctrl.ReadReady)
	if err != nil {
		return Result{Reason: ReasonCommunicationFailed}
	}
	if ready != plc.True {
		return Result{Reason: ReasonDeviceNotReady}
	}

	prev, err := c.ctrl.ReadPreviousCar(ctx)
	if err != nil {
		c.log.Debug("previous-car read failed", zap.Error(err))
	}
	if prev == plc.True {
		c.log.Info("previous car still reported in bay")
	}
	return Result{Passed: true, PreviousCar: prev}
}

// readWithRetry retries read until it yields a definite value or the
// attempts are used up.
func (c *Checker) readWithRetry(ctx context.Context, name string, read func(context.Context) (plc.Tristate, error)) (plc.Tristate, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var value plc.Tristate
	attempt := 0
	op := func() error {
		attempt++
		v, err := read(ctx)
		if v.Known() {
			value = v
			return nil
		}
		if err == nil {
			err = errNoValue
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Debug("register read failed, retrying",
			zap.String("register", name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.Attempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return plc.Unknown, fmt.Errorf("gate: %s unreadable after %d attempts: %w", name, attempt, err)
	}
	return value, nil
}
