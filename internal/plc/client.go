package plc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/washkiosk/internal/frame"
	"github.com/shaunagostinho/washkiosk/internal/link"
)

var (
	ErrInvalidMode    = errors.New("plc: invalid wash mode")
	ErrAlreadyRunning = errors.New("plc: automatic cycle already running")
	ErrStatusUnknown  = errors.New("plc: auto-status could not be read")
	ErrUnstable       = errors.New("plc: position reads disagree")

	// ErrPulseUncertain wraps a mode pulse write that may have reached the
	// controller even though no echo confirmed it.
	ErrPulseUncertain = errors.New("plc: mode pulse outcome unknown")
)

// Link is the transport the client drives; *link.Link implements it.
type Link interface {
	Request(ctx context.Context, payload []byte, m link.Match, timeout time.Duration) (frame.Frame, error)
	TryRequest(ctx context.Context, payload []byte, m link.Match, timeout time.Duration) (frame.Frame, error)
	IsConnected() bool
	Reconnect(ctx context.Context) error
}

// ClientConfig tunes register transactions.
type ClientConfig struct {
	Slave     byte          `yaml:"slave" json:"slave"`
	Timeout   time.Duration `yaml:"-" json:"-"` // per transaction
	StableGap time.Duration `yaml:"-" json:"-"` // between the two position reads
}

const (
	defaultTimeout   = 500 * time.Millisecond
	defaultStableGap = 50 * time.Millisecond
)

// Client performs typed reads and writes against the controller registers.
type Client struct {
	link        Link
	cfg         ClientConfig
	log         *zap.Logger
	nonBlocking bool
}

// NewClient wraps l.
func NewClient(l Link, cfg ClientConfig, log *zap.Logger) *Client {
	if cfg.Slave == 0 {
		cfg.Slave = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.StableGap <= 0 {
		cfg.StableGap = defaultStableGap
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{link: l, cfg: cfg, log: log}
}

// NonBlocking returns a view of c whose transactions fail with link.ErrBusy
// instead of waiting for the exchange lock.
func (c *Client) NonBlocking() *Client {
	nb := *c
	nb.nonBlocking = true
	return &nb
}

// Connected reports whether the underlying link is open.
func (c *Client) Connected() bool { return c.link.IsConnected() }

// Reconnect reopens the underlying link.
func (c *Client) Reconnect(ctx context.Context) error { return c.link.Reconnect(ctx) }

func (c *Client) do(ctx context.Context, payload []byte, m link.Match) (frame.Frame, error) {
	if c.nonBlocking {
		return c.link.TryRequest(ctx, payload, m, c.cfg.Timeout)
	}
	return c.link.Request(ctx, payload, m, c.cfg.Timeout)
}

// ReadRegisters reads count consecutive holding registers starting at reg.
func (c *Client) ReadRegisters(ctx context.Context, reg, count uint16) ([]uint16, error) {
	f, err := c.do(ctx, frame.EncodeRead(c.cfg.Slave, reg, count), link.ReadMatch(c.cfg.Slave, count))
	if err != nil {
		return nil, fmt.Errorf("plc: read %d: %w", reg, err)
	}
	regs, err := f.Registers()
	if err != nil {
		return nil, fmt.Errorf("plc: read %d: %w", reg, err)
	}
	if len(regs) != int(count) {
		return nil, fmt.Errorf("plc: read %d: got %d registers, want %d", reg, len(regs), count)
	}
	return regs, nil
}

// WriteRegister writes one holding register and waits for the echo.
func (c *Client) WriteRegister(ctx context.Context, reg, value uint16) error {
	_, err := c.do(ctx, frame.EncodeWrite(c.cfg.Slave, reg, value), link.WriteMatch(c.cfg.Slave, reg, value))
	if err != nil {
		return fmt.Errorf("plc: write %d=0x%04X: %w", reg, value, err)
	}
	return nil
}

func (c *Client) readFlag(ctx context.Context, reg uint16) (Tristate, error) {
	regs, err := c.ReadRegisters(ctx, reg, 1)
	if err != nil {
		return Unknown, err
	}
	return FromBool(regs[0] != 0), nil
}

// ReadFault reads the fault register.
func (c *Client) ReadFault(ctx context.Context) (Tristate, error) {
	return c.readFlag(ctx, RegFault)
}

// ReadPreviousCar reads the previous-car register. It is informational.
func (c *Client) ReadPreviousCar(ctx context.Context) (Tristate, error) {
	return c.readFlag(ctx, RegPreviousCar)
}

// ReadReady reads the ready register.
func (c *Client) ReadReady(ctx context.Context) (Tristate, error) {
	return c.readFlag(ctx, RegReady)
}

// ReadPosition reads the position register once. Prefer ReadPositionStable.
func (c *Client) ReadPosition(ctx context.Context) (Tristate, error) {
	return c.readFlag(ctx, RegPosition)
}

// ReadAutoStatus reads the auto-status register.
func (c *Client) ReadAutoStatus(ctx context.Context) (Tristate, error) {
	return c.readFlag(ctx, RegAutoStatus)
}

// ReadPositionStable reads position twice, StableGap apart, and returns the
// value only if both reads agree.
func (c *Client) ReadPositionStable(ctx context.Context) (Tristate, error) {
	first, err := c.ReadPosition(ctx)
	if err != nil {
		return Unknown, err
	}

	select {
	case <-ctx.Done():
		return Unknown, ctx.Err()
	case <-time.After(c.cfg.StableGap):
	}

	second, err := c.ReadPosition(ctx)
	if err != nil {
		return Unknown, err
	}
	if first != second {
		c.log.Debug("position glitch", zap.Stringer("first", first), zap.Stringer("second", second))
		return Unknown, ErrUnstable
	}
	return first, nil
}

// WriteModePulse requests a wash cycle in mode 1..4. The controller clears
// the register itself; 0 is never written back. The pulse is refused while
// auto-status is true or cannot be read.
func (c *Client) WriteModePulse(ctx context.Context, mode int) error {
	reg, err := ModeRegister(mode)
	if err != nil {
		return err
	}

	running, err := c.ReadAutoStatus(ctx)
	switch running {
	case True:
		return ErrAlreadyRunning
	case Unknown:
		return fmt.Errorf("%w: %v", ErrStatusUnknown, err)
	}

	if err := c.WriteRegister(ctx, reg, PulseValue); err != nil {
		if pulseMayHaveLanded(err) {
			return fmt.Errorf("%w: %w", ErrPulseUncertain, err)
		}
		return err
	}
	c.log.Info("mode pulse sent", zap.Int("mode", mode), zap.Uint16("register", reg))
	return nil
}

// pulseMayHaveLanded reports whether a failed write could still have been
// delivered. Only a refused lock, a closed link or an exception reply prove
// the pulse was not acted on.
func pulseMayHaveLanded(err error) bool {
	var exc *link.ExceptionError
	switch {
	case errors.As(err, &exc):
		return false
	case errors.Is(err, link.ErrNotConnected), errors.Is(err, link.ErrBusy):
		return false
	}
	return true
}

// SendCancel aborts the running cycle.
func (c *Client) SendCancel(ctx context.Context) error {
	return c.WriteRegister(ctx, RegCancel, CancelValue)
}

// SendPause pauses the running cycle.
func (c *Client) SendPause(ctx context.Context) error {
	return c.WriteRegister(ctx, RegPause, PauseValue)
}

// SendResume resumes a paused cycle.
func (c *Client) SendResume(ctx context.Context) error {
	return c.WriteRegister(ctx, RegPause, ResumeValue)
}

// SendReset clears a latched fault.
func (c *Client) SendReset(ctx context.Context) error {
	return c.WriteRegister(ctx, RegReset, ResetValue)
}

// Counters are the controller's read-only usage counters.
type Counters struct {
	Total  uint16 `json:"total"`
	Today  uint16 `json:"today"`
	Faults uint16 `json:"faults"`
}

// ReadCounters reads the three usage counters in one transaction.
func (c *Client) ReadCounters(ctx context.Context) (Counters, error) {
	regs, err := c.ReadRegisters(ctx, RegCounterTotal, counterBlockLen)
	if err != nil {
		return Counters{}, err
	}
	return Counters{Total: regs[0], Today: regs[1], Faults: regs[2]}, nil
}

// Snapshot reads the status block and counters. On error the returned
// snapshot is marked offline and carries no register values.
func (c *Client) Snapshot(ctx context.Context) (RegisterSnapshot, error) {
	snap := RegisterSnapshot{CapturedAt: time.Now()}

	regs, err := c.ReadRegisters(ctx, statusBlockStart, statusBlockLen)
	if err != nil {
		return snap, err
	}
	counters, err := c.ReadCounters(ctx)
	if err != nil {
		return snap, err
	}

	snap.Fault = FromBool(regs[RegFault-statusBlockStart] != 0)
	snap.PreviousCar = FromBool(regs[RegPreviousCar-statusBlockStart] != 0)
	snap.Ready = FromBool(regs[RegReady-statusBlockStart] != 0)
	snap.Position = FromBool(regs[RegPosition-statusBlockStart] != 0)
	snap.AutoStatus = FromBool(regs[RegAutoStatus-statusBlockStart] != 0)
	snap.Counters = counters
	snap.CapturedAt = time.Now()
	snap.Online = true
	return snap, nil
}
