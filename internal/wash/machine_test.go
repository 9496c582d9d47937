package wash

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/washkiosk/internal/metrics"
	"github.com/shaunagostinho/washkiosk/internal/plc"
	"github.com/shaunagostinho/washkiosk/internal/policy"
)

const (
	T = plc.True
	F = plc.False
	U = plc.Unknown
)

// script replays values; the last one repeats.
type script struct {
	values []plc.Tristate
	reads  int
}

func (s *script) next() plc.Tristate {
	s.reads++
	if s.reads > len(s.values) {
		return s.values[len(s.values)-1]
	}
	return s.values[s.reads-1]
}

type fakeController struct {
	mu       sync.Mutex
	previous *script
	position *script
	ready    *script
	auto     *script
	fault    *script

	// auto-status reads true once this many pulses were accepted; 0 uses auto
	startAfterPulses int
	pulseErrs        []error
	pulseCalls       int
	pulses           int
}

func newFake() *fakeController {
	return &fakeController{
		previous: &script{values: []plc.Tristate{F}},
		position: &script{values: []plc.Tristate{T}},
		ready:    &script{values: []plc.Tristate{T}},
		auto:     &script{values: []plc.Tristate{T}},
		fault:    &script{values: []plc.Tristate{F}},
	}
}

func read(mu *sync.Mutex, s *script) (plc.Tristate, error) {
	mu.Lock()
	defer mu.Unlock()
	v := s.next()
	if v == U {
		return U, errors.New("no reply")
	}
	return v, nil
}

func (f *fakeController) ReadFault(context.Context) (plc.Tristate, error) {
	return read(&f.mu, f.fault)
}

func (f *fakeController) ReadPreviousCar(context.Context) (plc.Tristate, error) {
	return read(&f.mu, f.previous)
}

func (f *fakeController) ReadReady(context.Context) (plc.Tristate, error) {
	return read(&f.mu, f.ready)
}

func (f *fakeController) ReadPositionStable(context.Context) (plc.Tristate, error) {
	return read(&f.mu, f.position)
}

func (f *fakeController) ReadAutoStatus(context.Context) (plc.Tristate, error) {
	f.mu.Lock()
	if f.startAfterPulses > 0 {
		defer f.mu.Unlock()
		f.auto.reads++
		return plc.FromBool(f.pulses >= f.startAfterPulses), nil
	}
	f.mu.Unlock()
	return read(&f.mu, f.auto)
}

func (f *fakeController) WriteModePulse(ctx context.Context, mode int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	f.pulseCalls++
	if len(f.pulseErrs) > 0 {
		err := f.pulseErrs[0]
		f.pulseErrs = f.pulseErrs[1:]
		return err
	}
	f.pulses++
	return nil
}

func (f *fakeController) counts() (pulseCalls, pulses, autoReads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulseCalls, f.pulses, f.auto.reads
}

// fastPolicy is the default table at 1/1000 scale: 12s polls become 12ms.
func fastPolicy() *policy.Policy { return policy.Default().Scaled(0.001) }

type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) observe(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Phase
	for _, s := range r.states {
		if len(out) == 0 || out[len(out)-1] != s.Phase {
			out = append(out, s.Phase)
		}
	}
	return out
}

func newMachine(t *testing.T, ctrl Controller, pol *policy.Policy, rec *recorder) *Machine {
	var obs Observer
	if rec != nil {
		obs = rec.observe
	}
	return New(ctrl, pol, DefaultConfig(), zaptest.NewLogger(t), obs)
}

func TestStartHappyPath(t *testing.T) {
	ctrl := newFake()
	rec := &recorder{}

	res := newMachine(t, ctrl, fastPolicy(), rec).Start(context.Background(), 2)

	require.True(t, res.Success)
	assert.True(t, res.PulseSent)
	assert.Empty(t, res.Reason)
	assert.Equal(t, []Phase{
		PhaseWaitPreviousCarLeave,
		PhaseWaitCarInPosition,
		PhaseWaitDeviceReady,
		PhaseSendMode,
		PhaseConfirmStart,
		PhaseSuccess,
	}, rec.phases())

	_, pulses, _ := ctrl.counts()
	assert.Equal(t, 1, pulses)
	assert.Equal(t, 2, ctrl.previous.reads, "two consecutive confirmations, no more")
}

func TestDebounceIgnoresSingleFlip(t *testing.T) {
	t.Run("glitch resets the count", func(t *testing.T) {
		ctrl := newFake()
		ctrl.position = &script{values: []plc.Tristate{T, F, T, T}}

		res := newMachine(t, ctrl, fastPolicy(), nil).Start(context.Background(), 1)
		require.True(t, res.Success)
		assert.Equal(t, 4, ctrl.position.reads)
	})

	t.Run("alternating never confirms", func(t *testing.T) {
		ctrl := newFake()
		var vals []plc.Tristate
		for i := 0; i < 200; i++ {
			vals = append(vals, T, F)
		}
		ctrl.position = &script{values: vals}

		res := newMachine(t, ctrl, fastPolicy(), nil).Start(context.Background(), 1)
		assert.Equal(t, ReasonCarNotInPosition, res.Reason)
		assert.False(t, res.PulseSent)
	})

	t.Run("unknown is not confirmation", func(t *testing.T) {
		ctrl := newFake()
		var vals []plc.Tristate
		for i := 0; i < 100; i++ {
			vals = append(vals, T, U)
		}
		ctrl.ready = &script{values: vals}

		res := newMachine(t, ctrl, fastPolicy(), nil).Start(context.Background(), 1)
		assert.Equal(t, ReasonDeviceNotReady, res.Reason)
		calls, _, _ := ctrl.counts()
		assert.Zero(t, calls, "no pulse may be attempted before ready is confirmed")
	})
}

func TestDeviceNotReadyTimesOut(t *testing.T) {
	ctrl := newFake()
	ctrl.ready = &script{values: []plc.Tristate{F}}
	rec := &recorder{}

	res := newMachine(t, ctrl, fastPolicy(), rec).Start(context.Background(), 1)

	assert.False(t, res.Success)
	assert.Equal(t, ReasonDeviceNotReady, res.Reason)
	assert.GreaterOrEqual(t, res.Duration, 60*time.Millisecond)
	assert.NotContains(t, rec.phases(), PhaseSendMode)
	calls, _, _ := ctrl.counts()
	assert.Zero(t, calls)
}

func TestPreviousCarNotLeft(t *testing.T) {
	ctrl := newFake()
	ctrl.previous = &script{values: []plc.Tristate{T}}

	res := newMachine(t, ctrl, fastPolicy(), nil).Start(context.Background(), 1)
	assert.Equal(t, ReasonPreviousCarNotLeft, res.Reason)
	assert.Zero(t, ctrl.position.reads)
}

func TestSendModeFailsThreeTimes(t *testing.T) {
	ctrl := newFake()
	fail := errors.New("write timeout")
	ctrl.pulseErrs = []error{fail, fail, fail}
	rec := &recorder{}

	res := newMachine(t, ctrl, fastPolicy(), rec).Start(context.Background(), 2)

	assert.Equal(t, ReasonSendModeFailed, res.Reason)
	assert.False(t, res.PulseSent)
	calls, pulses, autoReads := ctrl.counts()
	assert.Equal(t, 3, calls)
	assert.Zero(t, pulses)
	assert.Zero(t, autoReads)
	assert.NotContains(t, rec.phases(), PhaseConfirmStart)
}

func TestSendModeRecoversOnRetry(t *testing.T) {
	ctrl := newFake()
	ctrl.pulseErrs = []error{errors.New("write timeout"), errors.New("write timeout")}

	res := newMachine(t, ctrl, fastPolicy(), nil).Start(context.Background(), 2)
	require.True(t, res.Success)
	calls, pulses, _ := ctrl.counts()
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, pulses)
}

func TestSendModeUnconfirmedPulse(t *testing.T) {
	lost := fmt.Errorf("%w: %w", plc.ErrPulseUncertain, errors.New("response timeout"))

	t.Run("running controller proves the pulse landed", func(t *testing.T) {
		ctrl := newFake()
		ctrl.pulseErrs = []error{lost, plc.ErrAlreadyRunning}
		rec := &recorder{}

		res := newMachine(t, ctrl, fastPolicy(), rec).Start(context.Background(), 1)
		require.True(t, res.Success)
		assert.True(t, res.PulseSent)
		calls, _, _ := ctrl.counts()
		assert.Equal(t, 2, calls)
		assert.Contains(t, rec.phases(), PhaseConfirmStart)
	})

	t.Run("already running without a pulse of ours", func(t *testing.T) {
		ctrl := newFake()
		ctrl.pulseErrs = []error{plc.ErrAlreadyRunning, plc.ErrAlreadyRunning, plc.ErrAlreadyRunning}

		res := newMachine(t, ctrl, fastPolicy(), nil).Start(context.Background(), 1)
		assert.Equal(t, ReasonSendModeFailed, res.Reason)
		assert.False(t, res.PulseSent)
		assert.False(t, res.NeedsOperator())
	})

	t.Run("attempts exhausted after an unconfirmed write", func(t *testing.T) {
		ctrl := newFake()
		ctrl.pulseErrs = []error{lost, plc.ErrStatusUnknown, plc.ErrStatusUnknown}

		res := newMachine(t, ctrl, fastPolicy(), nil).Start(context.Background(), 1)
		assert.Equal(t, ReasonSendModeFailed, res.Reason)
		assert.True(t, res.PulseSent)
		assert.True(t, res.NeedsOperator())
	})
}

func TestConfirmStartRounds(t *testing.T) {
	t.Run("second round confirms", func(t *testing.T) {
		ctrl := newFake()
		ctrl.startAfterPulses = 2
		rec := &recorder{}

		res := newMachine(t, ctrl, fastPolicy(), rec).Start(context.Background(), 1)
		require.True(t, res.Success)
		_, pulses, _ := ctrl.counts()
		assert.Equal(t, 2, pulses)
	})

	t.Run("never enters auto", func(t *testing.T) {
		ctrl := newFake()
		ctrl.auto = &script{values: []plc.Tristate{F}}

		res := newMachine(t, ctrl, fastPolicy(), nil).Start(context.Background(), 1)
		assert.Equal(t, ReasonNotEnteredAutoStatus, res.Reason)
		assert.True(t, res.PulseSent)
		_, pulses, _ := ctrl.counts()
		assert.Equal(t, 3, pulses)
	})
}

func TestStartCancelled(t *testing.T) {
	t.Run("before pulse", func(t *testing.T) {
		ctrl := newFake()
		ctrl.position = &script{values: []plc.Tristate{F}}
		pol := fastPolicy().With(1, policy.WaitCarInPosition, policy.PhaseConfig{
			HardTimeout:  time.Minute,
			PollInterval: 5 * time.Millisecond,
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		time.AfterFunc(30*time.Millisecond, cancel)

		start := time.Now()
		res := newMachine(t, ctrl, pol, nil).Start(ctx, 1)

		assert.Equal(t, ReasonCancelled, res.Reason)
		assert.False(t, res.PulseSent)
		assert.Less(t, time.Since(start), time.Second, "cancellation must halt within a poll interval")
	})

	t.Run("after pulse", func(t *testing.T) {
		ctrl := newFake()
		ctrl.auto = &script{values: []plc.Tristate{F}}
		pol := fastPolicy().With(1, policy.ConfirmStart, policy.PhaseConfig{
			HardTimeout:  time.Minute,
			PollInterval: 5 * time.Millisecond,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		go func() {
			for ctx.Err() == nil {
				if _, pulses, _ := ctrl.counts(); pulses == 1 {
					cancel()
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()

		res := newMachine(t, ctrl, pol, nil).Start(ctx, 1)
		assert.Equal(t, ReasonCancelled, res.Reason)
		assert.True(t, res.PulseSent)
	})
}

func runPolicy() *policy.Policy {
	return fastPolicy().With(1, policy.RunMonitor, policy.PhaseConfig{
		SoftTimeout:  5 * time.Millisecond,
		HardTimeout:  40 * time.Millisecond,
		PollInterval: time.Millisecond,
	})
}

func TestMonitor(t *testing.T) {
	t.Run("car departs", func(t *testing.T) {
		ctrl := newFake()
		ctrl.position = &script{values: []plc.Tristate{T, T, F, T, F, F}}

		res := newMachine(t, ctrl, runPolicy(), nil).Monitor(context.Background(), 1)
		assert.True(t, res.Completed)
		assert.Equal(t, 6, ctrl.position.reads)
	})

	t.Run("fault mid-run", func(t *testing.T) {
		ctrl := newFake()
		ctrl.fault = &script{values: []plc.Tristate{F, T, F, T, T}}

		res := newMachine(t, ctrl, runPolicy(), nil).Monitor(context.Background(), 1)
		assert.False(t, res.Completed)
		assert.Equal(t, ReasonFaultDuringRun, res.Reason)
		assert.True(t, res.Reason.NeedsOperator())
	})

	t.Run("run timeout with soft alert", func(t *testing.T) {
		ctrl := newFake()
		before := testutil.ToFloat64(metrics.SoftTimeouts.WithLabelValues("1", string(policy.RunMonitor)))

		res := newMachine(t, ctrl, runPolicy(), nil).Monitor(context.Background(), 1)
		assert.Equal(t, ReasonRunTimeout, res.Reason)
		assert.True(t, res.Reason.NeedsOperator())
		assert.GreaterOrEqual(t, res.Duration, 40*time.Millisecond)
		assert.Equal(t, before+1, testutil.ToFloat64(metrics.SoftTimeouts.WithLabelValues("1", string(policy.RunMonitor))))
	})
}

func TestSoftTimeoutDoesNotFailPhase(t *testing.T) {
	ctrl := newFake()
	ctrl.ready = &script{values: []plc.Tristate{F, F, F, F, F, F, F, F, F, F, T, T}}
	pol := fastPolicy().With(1, policy.WaitDeviceReady, policy.PhaseConfig{
		SoftTimeout:  2 * time.Millisecond,
		HardTimeout:  time.Second,
		PollInterval: time.Millisecond,
	})
	before := testutil.ToFloat64(metrics.SoftTimeouts.WithLabelValues("1", string(policy.WaitDeviceReady)))

	res := newMachine(t, ctrl, pol, nil).Start(context.Background(), 1)
	require.True(t, res.Success)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SoftTimeouts.WithLabelValues("1", string(policy.WaitDeviceReady))))
}

func TestReasonRouting(t *testing.T) {
	for _, r := range []Reason{
		ReasonPreviousCarNotLeft, ReasonCarNotInPosition, ReasonDeviceNotReady,
		ReasonSendModeFailed, ReasonNotEnteredAutoStatus, ReasonCancelled,
	} {
		assert.False(t, r.NeedsOperator(), r)
	}
}

func TestStartResultNeedsOperator(t *testing.T) {
	tests := []struct {
		name string
		res  StartResult
		want bool
	}{
		{"success", StartResult{Success: true, PulseSent: true}, false},
		{"no pulse", StartResult{Reason: ReasonSendModeFailed}, false},
		{"cancelled before pulse", StartResult{Reason: ReasonCancelled}, false},
		{"cancelled after pulse", StartResult{Reason: ReasonCancelled, PulseSent: true}, true},
		{"unconfirmed pulse", StartResult{Reason: ReasonSendModeFailed, PulseSent: true}, true},
		{"never entered auto", StartResult{Reason: ReasonNotEnteredAutoStatus, PulseSent: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.res.NeedsOperator())
		})
	}
}
