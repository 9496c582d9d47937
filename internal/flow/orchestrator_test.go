package flow_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/washkiosk/internal/catalog"
	"github.com/shaunagostinho/washkiosk/internal/flow"
	"github.com/shaunagostinho/washkiosk/internal/gate"
	"github.com/shaunagostinho/washkiosk/internal/link"
	"github.com/shaunagostinho/washkiosk/internal/metrics"
	"github.com/shaunagostinho/washkiosk/internal/payment"
	"github.com/shaunagostinho/washkiosk/internal/plc"
	"github.com/shaunagostinho/washkiosk/internal/plcsim"
	"github.com/shaunagostinho/washkiosk/internal/policy"
	"github.com/shaunagostinho/washkiosk/internal/wash"
)

// recorder keeps every state the orchestrator entered.
type recorder struct {
	mu     sync.Mutex
	states []flow.State
}

func (r *recorder) hook(st flow.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *recorder) kinds() []flow.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]flow.Kind, len(r.states))
	for i, st := range r.states {
		out[i] = st.Kind
	}
	return out
}

type kiosk struct {
	sim      *plcsim.Sim
	payments *payment.Demo
	orch     *flow.Orchestrator
	rec      *recorder
}

type setup struct {
	cycle   plcsim.Cycle
	payment payment.DemoConfig
	policy  func(*policy.Policy) *policy.Policy
}

// newKiosk wires the real stack against the simulator with every timeout
// scaled down a hundredfold.
func newKiosk(t *testing.T, s setup) *kiosk {
	t.Helper()
	log := zaptest.NewLogger(t)

	if s.cycle == (plcsim.Cycle{}) {
		s.cycle = plcsim.Cycle{StartDelay: 20 * time.Millisecond, RunTime: 60 * time.Millisecond, DepartDelay: 20 * time.Millisecond}
	}
	sim := plcsim.New(plcsim.Options{Cycle: s.cycle, PulseWidth: 10 * time.Millisecond})
	sim.Set(plc.RegPosition, 1)

	l := link.New(link.Config{PortPath: "sim", ReadTimeout: 5 * time.Millisecond},
		link.WithOpener(sim.Opener()), link.WithLogger(log))
	require.NoError(t, l.Open(context.Background()))
	t.Cleanup(func() { l.Close() })

	client := plc.NewClient(l, plc.ClientConfig{Slave: 1, Timeout: 100 * time.Millisecond, StableGap: 2 * time.Millisecond}, log)
	pol := policy.Default().Scaled(0.01)
	if s.policy != nil {
		pol = s.policy(pol)
	}

	programs, err := catalog.NewStatic([]catalog.Program{
		{ID: "basic", Name: "Basic", Mode: 1, PriceCents: 500},
	})
	require.NoError(t, err)

	payments := payment.NewDemo(s.payment, log)
	checker := gate.New(client, gate.Config{Attempts: 2, InitialInterval: 5 * time.Millisecond, MaxInterval: 10 * time.Millisecond}, log)
	rec := &recorder{}

	var orch *flow.Orchestrator
	washer := wash.New(client, pol, wash.DefaultConfig(), log, func(ws wash.State) { orch.ObservePhase(ws) })
	orch = flow.New(payments, checker, washer, programs, pol, flow.Config{RefundTimeout: time.Second}, log, flow.WithHook(rec.hook))

	return &kiosk{sim: sim, payments: payments, orch: orch, rec: rec}
}

var basicByCard = flow.Order{ProgramID: "basic", PaymentMethod: payment.MethodCard}

func TestFlowCompletes(t *testing.T) {
	k := newKiosk(t, setup{})
	before := testutil.ToFloat64(metrics.FlowOutcomes.WithLabelValues(string(flow.KindCompleted), ""))

	st, err := k.orch.StartFlow(context.Background(), basicByCard)
	require.NoError(t, err)

	assert.Equal(t, flow.KindCompleted, st.Kind)
	assert.Empty(t, st.Reason)
	assert.NotEmpty(t, st.OrderID)
	assert.Equal(t, 1, st.Mode)
	assert.Nil(t, st.Phase)
	assert.Equal(t, []flow.Kind{
		flow.KindPaying, flow.KindPaymentSuccess, flow.KindGateChecking,
		flow.KindStarting, flow.KindRunning, flow.KindCompleted,
	}, k.rec.kinds())
	assert.Empty(t, k.payments.Refunded())
	assert.Equal(t, uint16(1), k.sim.Get(plc.RegCounterTotal))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.FlowOutcomes.WithLabelValues(string(flow.KindCompleted), "")))
}

func TestFlowRefundsWhenDeviceNeverReady(t *testing.T) {
	k := newKiosk(t, setup{})
	// ready drops after the gate check has passed
	k.sim.ScriptFunc(plc.RegReady, func(n int) uint16 {
		if n <= 1 {
			return 1
		}
		return 0
	})

	st, err := k.orch.StartFlow(context.Background(), basicByCard)
	require.NoError(t, err)

	assert.Equal(t, flow.KindRefunded, st.Kind)
	assert.Equal(t, string(wash.ReasonDeviceNotReady), st.Reason)
	require.Len(t, k.payments.Refunded(), 1)
	assert.Equal(t, int64(500), k.payments.Refunded()[0].AmountCents)

	kinds := k.rec.kinds()
	require.GreaterOrEqual(t, len(kinds), 2)
	assert.Equal(t, []flow.Kind{flow.KindRefunding, flow.KindRefunded}, kinds[len(kinds)-2:])
	assert.Empty(t, k.sim.Writes(plc.RegModeBase), "no pulse is sent to a device that is not ready")
}

func TestFlowRefundsWhenModeCannotBeSent(t *testing.T) {
	k := newKiosk(t, setup{})
	reg, err := plc.ModeRegister(1)
	require.NoError(t, err)
	k.sim.RejectWrites(reg, 3)

	st, err := k.orch.StartFlow(context.Background(), basicByCard)
	require.NoError(t, err)

	assert.Equal(t, flow.KindRefunded, st.Kind)
	assert.Equal(t, string(wash.ReasonSendModeFailed), st.Reason)
	assert.Len(t, k.payments.Refunded(), 1)
	assert.Zero(t, k.sim.Get(plc.RegCounterTotal))
}

func TestFlowLostPulseEchoStillWashes(t *testing.T) {
	// the cycle outlasts the client timeout on the lost echo
	k := newKiosk(t, setup{cycle: plcsim.Cycle{StartDelay: 20 * time.Millisecond, RunTime: 300 * time.Millisecond, DepartDelay: 20 * time.Millisecond}})
	reg, err := plc.ModeRegister(1)
	require.NoError(t, err)
	k.sim.LoseEchoes(reg, 1)

	st, err := k.orch.StartFlow(context.Background(), basicByCard)
	require.NoError(t, err)

	assert.Equal(t, flow.KindCompleted, st.Kind)
	assert.Empty(t, k.payments.Refunded(), "the controller ran the wash")
	assert.Len(t, k.sim.Writes(reg), 1, "the running controller is not pulsed again")
	assert.Equal(t, uint16(1), k.sim.Get(plc.RegCounterTotal))
}

func TestFlowUnconfirmedPulseNeedsOperator(t *testing.T) {
	// the cycle never starts within the test, and no pulse is ever echoed
	k := newKiosk(t, setup{cycle: plcsim.Cycle{StartDelay: time.Minute}})
	reg, err := plc.ModeRegister(1)
	require.NoError(t, err)
	k.sim.LoseEchoes(reg, 3)

	st, err := k.orch.StartFlow(context.Background(), basicByCard)
	require.NoError(t, err)

	assert.Equal(t, flow.KindManualIntervention, st.Kind)
	assert.Equal(t, string(wash.ReasonSendModeFailed), st.Reason)
	assert.Empty(t, k.payments.Refunded())
	assert.Len(t, k.sim.Writes(reg), 3)
}

func TestFlowFailedRefundNeedsOperator(t *testing.T) {
	k := newKiosk(t, setup{payment: payment.DemoConfig{FailRefunds: true}})
	reg, err := plc.ModeRegister(1)
	require.NoError(t, err)
	k.sim.RejectWrites(reg, 3)

	st, err := k.orch.StartFlow(context.Background(), basicByCard)
	require.NoError(t, err)
	assert.Equal(t, flow.KindManualIntervention, st.Kind)
	assert.Equal(t, flow.ReasonRefundFailed, st.Reason)

	_, err = k.orch.StartFlow(context.Background(), basicByCard)
	assert.ErrorIs(t, err, flow.ErrNeedsOperator)
	_, err = k.orch.Admission(context.Background())
	assert.ErrorIs(t, err, flow.ErrNeedsOperator)

	require.NoError(t, k.orch.Acknowledge())
	assert.Equal(t, flow.KindIdle, k.orch.State().Kind)
	assert.Empty(t, k.orch.State().OrderID)
	assert.Error(t, k.orch.Acknowledge())

	k.payments.SetFailRefunds(false)
	st, err = k.orch.StartFlow(context.Background(), basicByCard)
	require.NoError(t, err)
	assert.Equal(t, flow.KindCompleted, st.Kind)
}

func TestFlowGateCheckTimeout(t *testing.T) {
	k := newKiosk(t, setup{policy: func(p *policy.Policy) *policy.Policy {
		return p.With(1, policy.GateCheckWait, policy.PhaseConfig{HardTimeout: 80 * time.Millisecond, PollInterval: 20 * time.Millisecond})
	}})
	k.sim.SetFault(true)

	st, err := k.orch.StartFlow(context.Background(), basicByCard)
	require.NoError(t, err)

	assert.Equal(t, flow.KindRefunded, st.Kind)
	assert.Equal(t, flow.ReasonGateCheckTimeout, st.Reason)
	assert.Contains(t, k.rec.kinds(), flow.KindWaitingForGateCheck)
	assert.NotContains(t, k.rec.kinds(), flow.KindStarting)
}

func TestFlowGateRecoversWhileWaiting(t *testing.T) {
	k := newKiosk(t, setup{})
	k.sim.SetFault(true)
	time.AfterFunc(100*time.Millisecond, func() { k.sim.SetFault(false) })

	st, err := k.orch.StartFlow(context.Background(), basicByCard)
	require.NoError(t, err)
	assert.Equal(t, flow.KindCompleted, st.Kind)
	assert.Contains(t, k.rec.kinds(), flow.KindWaitingForGateCheck)
}

func TestFlowPaymentOutcomes(t *testing.T) {
	t.Run("declined", func(t *testing.T) {
		k := newKiosk(t, setup{payment: payment.DemoConfig{Decline: true}})
		st, err := k.orch.StartFlow(context.Background(), basicByCard)
		require.NoError(t, err)
		assert.Equal(t, flow.KindFailed, st.Kind)
		assert.Equal(t, flow.ReasonPaymentFailed, st.Reason)
		assert.Zero(t, k.sim.Reads(plc.RegFault), "no controller access without payment")
	})

	t.Run("unknown program", func(t *testing.T) {
		k := newKiosk(t, setup{})
		_, err := k.orch.StartFlow(context.Background(), flow.Order{ProgramID: "ceramic", PaymentMethod: payment.MethodCash})
		assert.ErrorIs(t, err, catalog.ErrNotFound)
		assert.Equal(t, flow.KindIdle, k.orch.State().Kind)
	})

	t.Run("unsupported method", func(t *testing.T) {
		k := newKiosk(t, setup{})
		_, err := k.orch.StartFlow(context.Background(), flow.Order{ProgramID: "basic", PaymentMethod: "cheque"})
		var unsupported *payment.ErrUnsupportedMethod
		assert.ErrorAs(t, err, &unsupported)
	})
}

func TestFlowSingleOrderAtATime(t *testing.T) {
	k := newKiosk(t, setup{payment: payment.DemoConfig{ApproveDelay: time.Minute}})

	done := make(chan flow.State, 1)
	go func() {
		st, _ := k.orch.StartFlow(context.Background(), basicByCard)
		done <- st
	}()
	require.Eventually(t, func() bool { return k.orch.State().Kind == flow.KindPaying }, time.Second, 5*time.Millisecond)

	_, err := k.orch.StartFlow(context.Background(), basicByCard)
	assert.ErrorIs(t, err, flow.ErrBusy)
	_, err = k.orch.Admission(context.Background())
	assert.ErrorIs(t, err, flow.ErrBusy)

	require.True(t, k.orch.Cancel())
	select {
	case st := <-done:
		assert.Equal(t, flow.KindFailed, st.Kind)
		assert.Equal(t, flow.ReasonPaymentCancelled, st.Reason)
	case <-time.After(time.Second):
		t.Fatal("flow did not stop after cancel")
	}
	assert.False(t, k.orch.Cancel())
}

func TestFlowCancelBeforePulseRefunds(t *testing.T) {
	k := newKiosk(t, setup{})
	k.sim.Set(plc.RegPosition, 0)

	done := make(chan flow.State, 1)
	go func() {
		st, _ := k.orch.StartFlow(context.Background(), basicByCard)
		done <- st
	}()
	require.Eventually(t, func() bool {
		st := k.orch.State()
		return st.Phase != nil && st.Phase.Phase == wash.PhaseWaitCarInPosition
	}, 2*time.Second, 5*time.Millisecond)
	k.orch.Cancel()

	st := <-done
	assert.Equal(t, flow.KindRefunded, st.Kind)
	assert.Equal(t, flow.ReasonCancelled, st.Reason)
	assert.Len(t, k.payments.Refunded(), 1)
}

func TestFlowCancelWhileRunningNeedsOperator(t *testing.T) {
	k := newKiosk(t, setup{cycle: plcsim.Cycle{StartDelay: 20 * time.Millisecond, RunTime: time.Minute}})

	done := make(chan flow.State, 1)
	go func() {
		st, _ := k.orch.StartFlow(context.Background(), basicByCard)
		done <- st
	}()
	require.Eventually(t, func() bool { return k.orch.State().Kind == flow.KindRunning }, 2*time.Second, 5*time.Millisecond)
	k.orch.Cancel()

	st := <-done
	assert.Equal(t, flow.KindManualIntervention, st.Kind)
	assert.Equal(t, string(wash.ReasonCancelled), st.Reason)
	assert.Empty(t, k.payments.Refunded(), "no refund once the wash is running")
}

func TestFlowFaultDuringRunNeedsOperator(t *testing.T) {
	k := newKiosk(t, setup{cycle: plcsim.Cycle{StartDelay: 20 * time.Millisecond, RunTime: time.Minute}})

	done := make(chan flow.State, 1)
	go func() {
		st, _ := k.orch.StartFlow(context.Background(), basicByCard)
		done <- st
	}()
	require.Eventually(t, func() bool { return k.orch.State().Kind == flow.KindRunning }, 2*time.Second, 5*time.Millisecond)
	k.sim.SetFault(true)

	st := <-done
	assert.Equal(t, flow.KindManualIntervention, st.Kind)
	assert.Equal(t, string(wash.ReasonFaultDuringRun), st.Reason)
}

func TestSubscribeSeesStateChanges(t *testing.T) {
	k := newKiosk(t, setup{})
	ch, unsubscribe := k.orch.Subscribe()
	defer unsubscribe()

	first := <-ch
	assert.Equal(t, flow.KindIdle, first.Kind)

	_, err := k.orch.StartFlow(context.Background(), basicByCard)
	require.NoError(t, err)

	var seen []flow.Kind
	for {
		select {
		case st := <-ch:
			seen = append(seen, st.Kind)
			continue
		default:
		}
		break
	}
	assert.Contains(t, seen, flow.KindPaying)
	assert.Equal(t, flow.KindCompleted, k.orch.State().Kind)
}

func TestAdmissionRunsGateCheck(t *testing.T) {
	k := newKiosk(t, setup{})
	res, err := k.orch.Admission(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Passed)

	k.sim.Set(plc.RegReady, 0)
	res, err = k.orch.Admission(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, gate.ReasonDeviceNotReady, res.Reason)
}

func TestSubmitRunsInBackground(t *testing.T) {
	k := newKiosk(t, setup{})

	id, err := k.orch.Submit(context.Background(), basicByCard)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = k.orch.Submit(context.Background(), basicByCard)
	assert.ErrorIs(t, err, flow.ErrBusy)

	require.Eventually(t, func() bool { return k.orch.State().Kind == flow.KindCompleted }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, id, k.orch.State().OrderID)
	assert.Equal(t, "basic", k.orch.State().ProgramID)
}
