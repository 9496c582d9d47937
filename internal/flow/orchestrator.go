// Package flow runs one customer order end to end: payment, gate check,
// start, run and the terminal outcome. An order is never closed while a
// refund is still in flight.
package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/shaunagostinho/washkiosk/internal/catalog"
	"github.com/shaunagostinho/washkiosk/internal/gate"
	"github.com/shaunagostinho/washkiosk/internal/metrics"
	"github.com/shaunagostinho/washkiosk/internal/payment"
	"github.com/shaunagostinho/washkiosk/internal/policy"
	"github.com/shaunagostinho/washkiosk/internal/wash"
)

var (
	ErrBusy          = errors.New("flow: an order is already in progress")
	ErrNeedsOperator = errors.New("flow: manual intervention required")
)

// GateChecker runs the admission test.
type GateChecker interface {
	Check(ctx context.Context) gate.Result
}

// Washer drives the controller through start and run.
type Washer interface {
	Start(ctx context.Context, mode int) wash.StartResult
	Monitor(ctx context.Context, mode int) wash.RunResult
}

// ProgramCatalog lists the programs on sale.
type ProgramCatalog interface {
	ListPrograms(ctx context.Context) ([]catalog.Program, error)
}

// Config tunes the orchestrator.
type Config struct {
	RefundTimeout time.Duration `yaml:"refund_timeout" json:"refundTimeout"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHook registers fn to run synchronously on every state change.
func WithHook(fn func(State)) Option {
	return func(o *Orchestrator) { o.hooks = append(o.hooks, fn) }
}

// Orchestrator owns the FlowState. One order runs at a time.
type Orchestrator struct {
	payments payment.Provider
	gate     GateChecker
	washer   Washer
	programs ProgramCatalog
	pol      *policy.Policy
	cfg      Config
	log      *zap.Logger
	hooks    []func(State)

	machine *fsm.FSM
	busy    atomic.Bool

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	pending State // identity of the order about to pay
	subs    map[int]chan State
	nextID  int
}

// New returns an idle orchestrator.
func New(payments payment.Provider, checker GateChecker, washer Washer, programs ProgramCatalog,
	pol *policy.Policy, cfg Config, log *zap.Logger, opts ...Option) *Orchestrator {
	if cfg.RefundTimeout <= 0 {
		cfg.RefundTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	o := &Orchestrator{
		payments: payments,
		gate:     checker,
		washer:   washer,
		programs: programs,
		pol:      pol,
		cfg:      cfg,
		log:      log,
		state:    State{Kind: KindIdle, Since: time.Now()},
		subs:     make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.machine = newMachine(o.onEnter)
	return o
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe returns a channel receiving every state change. A subscriber
// that falls behind misses intermediate states.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextID
	o.nextID++
	ch := make(chan State, 16)
	o.subs[id] = ch
	ch <- o.state

	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
}

// Admission runs a pre-payment gate check so the UI can refuse to take
// money from a machine that cannot wash.
func (o *Orchestrator) Admission(ctx context.Context) (gate.Result, error) {
	if o.busy.Load() {
		return gate.Result{}, ErrBusy
	}
	if o.State().Kind == KindManualIntervention {
		return gate.Result{}, ErrNeedsOperator
	}
	return o.gate.Check(ctx), nil
}

// Cancel aborts the running order. Before a mode pulse it ends in a refund;
// after one it needs an operator.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return false
	}
	o.cancel()
	return true
}

// Acknowledge clears a manual intervention after an operator has dealt
// with it.
func (o *Orchestrator) Acknowledge() error {
	if err := o.fire(eventAcknowledge, ""); err != nil {
		if isRejected(err) {
			return fmt.Errorf("flow: nothing to acknowledge in state %s", o.State().Kind)
		}
		return err
	}
	return nil
}

// ObservePhase records start/run progress while an order is starting or
// running. Pass it as the wash.Machine observer.
func (o *Orchestrator) ObservePhase(ws wash.State) {
	o.mu.Lock()
	if o.state.Kind != KindStarting && o.state.Kind != KindRunning {
		o.mu.Unlock()
		return
	}
	detail := ws
	o.state.Phase = &detail
	st := o.state
	o.broadcastLocked(st)
	o.mu.Unlock()
}

// StartFlow runs order to a terminal state and returns it. It fails fast
// with ErrBusy while another order runs.
func (o *Orchestrator) StartFlow(ctx context.Context, order Order) (State, error) {
	run, _, err := o.prepare(ctx, order)
	if err != nil {
		return o.State(), err
	}
	return run(), nil
}

// Submit validates order and runs it in the background, returning the new
// order ID. ctx must outlive the order.
func (o *Orchestrator) Submit(ctx context.Context, order Order) (string, error) {
	run, id, err := o.prepare(ctx, order)
	if err != nil {
		return "", err
	}
	go run()
	return id, nil
}

// prepare claims the orchestrator for order and returns the function that
// runs it. The claim is released when run returns.
func (o *Orchestrator) prepare(ctx context.Context, order Order) (func() State, string, error) {
	if !o.busy.CompareAndSwap(false, true) {
		return nil, "", ErrBusy
	}

	program, err := o.admit(ctx, order)
	if err != nil {
		o.busy.Store(false)
		return nil, "", err
	}

	ctx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	o.mu.Lock()
	o.cancel = cancel
	o.pending = State{OrderID: id, ProgramID: program.ID, Mode: program.Mode}
	o.mu.Unlock()

	run := func() State {
		defer o.busy.Store(false)
		defer func() {
			o.mu.Lock()
			o.cancel = nil
			o.mu.Unlock()
			cancel()
		}()
		return o.run(ctx, id, program, order.PaymentMethod)
	}
	return run, id, nil
}

func (o *Orchestrator) admit(ctx context.Context, order Order) (catalog.Program, error) {
	program, err := catalog.Find(ctx, o.programs, order.ProgramID)
	if err != nil {
		return catalog.Program{}, err
	}
	if !order.PaymentMethod.Valid() {
		return catalog.Program{}, &payment.ErrUnsupportedMethod{Method: order.PaymentMethod}
	}
	if o.State().Kind == KindManualIntervention {
		return catalog.Program{}, ErrNeedsOperator
	}
	return program, nil
}

func (o *Orchestrator) run(ctx context.Context, id string, program catalog.Program, method payment.Method) State {
	log := o.log.With(zap.String("order", id), zap.String("program", program.ID))
	log.Info("order started", zap.String("method", string(method)), zap.Int64("priceCents", program.PriceCents))

	if err := o.fire(eventPay, ""); err != nil {
		return o.State()
	}

	res, err := o.payments.ProcessPayment(ctx, program.PriceCents, method)
	if err != nil || res.Status != payment.StatusSuccess {
		reason := ReasonPaymentFailed
		if res.Status == payment.StatusCancelled || ctx.Err() != nil {
			reason = ReasonPaymentCancelled
		}
		log.Warn("payment not captured", zap.String("code", res.Code), zap.Stringer("status", res.Status), zap.Error(err))
		o.fire(eventPayFailed, reason)
		return o.State()
	}
	log.Info("payment captured", zap.String("ref", res.Reference.ID), zap.String("code", res.Code))
	o.fire(eventPaid, "")

	if reason, ok := o.awaitGate(ctx, log, program.Mode); !ok {
		return o.refund(ctx, log, res.Reference, reason)
	}

	o.fire(eventStart, "")
	started := o.washer.Start(ctx, program.Mode)
	if !started.Success {
		if started.NeedsOperator() {
			// the controller may already be washing
			o.fire(eventEscalate, string(started.Reason))
			return o.State()
		}
		return o.refund(ctx, log, res.Reference, string(started.Reason))
	}

	o.fire(eventRun, "")
	run := o.washer.Monitor(ctx, program.Mode)
	if !run.Completed {
		o.fire(eventEscalate, string(run.Reason))
		return o.State()
	}
	o.fire(eventComplete, "")
	return o.State()
}

// awaitGate re-runs the gate check at the GateCheckWait cadence until it
// passes or the phase hard timeout expires.
func (o *Orchestrator) awaitGate(ctx context.Context, log *zap.Logger, mode int) (string, bool) {
	cfg := o.pol.Lookup(mode, policy.GateCheckWait)
	hard := time.NewTimer(cfg.HardTimeout)
	defer hard.Stop()
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		o.fire(eventCheck, "")
		r := o.gate.Check(ctx)
		if r.Passed {
			return "", true
		}
		if ctx.Err() != nil {
			return ReasonCancelled, false
		}
		o.fire(eventGateWait, string(r.Reason))
		log.Info("waiting for gate check", zap.String("reason", string(r.Reason)))

		select {
		case <-ctx.Done():
			return ReasonCancelled, false
		case <-hard.C:
			return ReasonGateCheckTimeout, false
		case <-ticker.C:
		}
	}
}

// refund moves to Refunding, calls the provider on a context that outlives
// cancellation, and only then settles on Refunded or manual intervention.
func (o *Orchestrator) refund(ctx context.Context, log *zap.Logger, ref payment.Reference, reason string) State {
	o.fire(eventRefund, reason)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RefundTimeout)
	defer cancel()

	ok, err := o.payments.Refund(rctx, ref)
	if err != nil || !ok {
		log.Error("refund failed", zap.String("ref", ref.ID), zap.String("reason", reason), zap.Error(err))
		o.fire(eventEscalate, ReasonRefundFailed)
		return o.State()
	}
	log.Info("refunded", zap.String("ref", ref.ID), zap.String("reason", reason))
	o.fire(eventRefunded, reason)
	return o.State()
}

// fire triggers event. The reason is carried into the new state.
func (o *Orchestrator) fire(event, reason string) error {
	err := o.machine.Event(context.Background(), event, reason)
	if err != nil {
		o.log.Error("rejected transition", zap.String("event", event), zap.String("from", o.machine.Current()), zap.Error(err))
	}
	return err
}

func (o *Orchestrator) onEnter(e *fsm.Event) {
	kind := Kind(e.Dst)

	o.mu.Lock()
	st := o.state
	st.Kind = kind
	st.Reason = reasonArg(e)
	st.Since = time.Now()
	if kind != KindStarting && kind != KindRunning {
		st.Phase = nil
	}
	switch kind {
	case KindIdle:
		st.OrderID, st.ProgramID, st.Mode = "", "", 0
	case KindPaying:
		st.OrderID, st.ProgramID, st.Mode = o.pending.OrderID, o.pending.ProgramID, o.pending.Mode
	}
	o.state = st
	o.broadcastLocked(st)
	o.mu.Unlock()

	o.log.Info("state", zap.String("kind", string(kind)), zap.String("reason", st.Reason), zap.String("order", st.OrderID))
	if kind.Terminal() {
		metrics.FlowOutcomes.WithLabelValues(string(kind), st.Reason).Inc()
	}
	for _, hook := range o.hooks {
		hook(st)
	}
}

func (o *Orchestrator) broadcastLocked(st State) {
	for _, ch := range o.subs {
		select {
		case ch <- st:
		default:
		}
	}
}
