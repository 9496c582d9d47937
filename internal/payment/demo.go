package payment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DemoConfig tunes the demo provider.
type DemoConfig struct {
	ApproveDelay time.Duration `yaml:"approve_delay" json:"approveDelay"`
	Decline      bool          `yaml:"decline" json:"decline"`
	FailRefunds  bool          `yaml:"fail_refunds" json:"failRefunds"`
}

// Demo approves every payment after ApproveDelay and refunds everything,
// unless told to decline or fail refunds.
type Demo struct {
	cfg DemoConfig
	log *zap.Logger

	mu       sync.Mutex
	captured map[string]Reference
	refunded []Reference
}

// NewDemo returns a demo provider.
func NewDemo(cfg DemoConfig, log *zap.Logger) *Demo {
	if log == nil {
		log = zap.NewNop()
	}
	return &Demo{cfg: cfg, log: log, captured: make(map[string]Reference)}
}

func (d *Demo) ProcessPayment(ctx context.Context, amountCents int64, method Method) (Result, error) {
	if !method.Valid() {
		return Result{}, &ErrUnsupportedMethod{Method: method}
	}

	select {
	case <-ctx.Done():
		return Result{Status: StatusCancelled, Code: "DEMO_CANCELLED"}, nil
	case <-time.After(d.cfg.ApproveDelay):
	}

	d.mu.Lock()
	decline := d.cfg.Decline
	d.mu.Unlock()
	if decline {
		d.log.Info("payment declined", zap.String("method", string(method)), zap.Int64("amountCents", amountCents))
		return Result{Status: StatusFailure, Code: "DEMO_DECLINED"}, nil
	}

	ref := Reference{ID: uuid.NewString(), Method: method, AmountCents: amountCents}
	d.mu.Lock()
	d.captured[ref.ID] = ref
	d.mu.Unlock()

	d.log.Info("payment approved",
		zap.String("ref", ref.ID),
		zap.String("method", string(method)),
		zap.Int64("amountCents", amountCents),
	)
	return Result{Status: StatusSuccess, Reference: ref, Code: "DEMO_OK"}, nil
}

func (d *Demo) Refund(ctx context.Context, ref Reference) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.FailRefunds {
		d.log.Warn("refund rejected", zap.String("ref", ref.ID))
		return false, nil
	}
	if _, ok := d.captured[ref.ID]; !ok {
		d.log.Warn("refund for unknown payment", zap.String("ref", ref.ID))
		return false, nil
	}
	delete(d.captured, ref.ID)
	d.refunded = append(d.refunded, ref)
	d.log.Info("refunded", zap.String("ref", ref.ID), zap.String("method", string(ref.Method)))
	return true, nil
}

// SetDecline switches payment declines on or off.
func (d *Demo) SetDecline(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.Decline = on
}

// SetFailRefunds switches refund failures on or off.
func (d *Demo) SetFailRefunds(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.FailRefunds = on
}

// Refunded returns the references refunded so far.
func (d *Demo) Refunded() []Reference {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Reference(nil), d.refunded...)
}
