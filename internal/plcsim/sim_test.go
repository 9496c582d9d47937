package plcsim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/washkiosk/internal/link"
	"github.com/shaunagostinho/washkiosk/internal/plc"
)

func newClient(t *testing.T, sim *Sim) *plc.Client {
	t.Helper()
	l := link.New(link.Config{PortPath: "sim", ReadTimeout: 10 * time.Millisecond}, link.WithOpener(sim.Opener()))
	require.NoError(t, l.Open(context.Background()))
	t.Cleanup(func() { l.Close() })
	return plc.NewClient(l, plc.ClientConfig{Timeout: 200 * time.Millisecond, StableGap: time.Millisecond}, zaptest.NewLogger(t))
}

func TestDefaultsReadyAndIdle(t *testing.T) {
	c := newClient(t, New(Options{}))
	ctx := context.Background()

	ready, err := c.ReadReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, plc.True, ready)

	fault, err := c.ReadFault(ctx)
	require.NoError(t, err)
	assert.Equal(t, plc.False, fault)
}

func TestCycleRunsAfterPulse(t *testing.T) {
	sim := New(Options{
		PulseWidth: 5 * time.Millisecond,
		Cycle: Cycle{
			StartDelay:  10 * time.Millisecond,
			RunTime:     20 * time.Millisecond,
			DepartDelay: 10 * time.Millisecond,
		},
	})
	sim.Set(plc.RegPosition, 1)
	c := newClient(t, sim)
	ctx := context.Background()

	require.NoError(t, c.WriteModePulse(ctx, 2))
	assert.Equal(t, []uint16{1}, sim.Writes(plc.RegModeBase+1))

	require.Eventually(t, func() bool { return sim.Get(plc.RegAutoStatus) == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, sim.Get(plc.RegModeBase+1), "pulse register self-clears")

	require.Eventually(t, func() bool {
		return sim.Get(plc.RegAutoStatus) == 0 && sim.Get(plc.RegPosition) == 0
	}, time.Second, time.Millisecond)

	counters, err := c.ReadCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), counters.Total)
}

func TestPulseIgnoredWhileNotReady(t *testing.T) {
	sim := New(Options{Cycle: Cycle{StartDelay: time.Millisecond, RunTime: time.Millisecond}})
	sim.Set(plc.RegReady, 0)
	c := newClient(t, sim)

	require.NoError(t, c.WriteModePulse(context.Background(), 1))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sim.Get(plc.RegAutoStatus))
}

func TestCancelStopsCycle(t *testing.T) {
	sim := New(Options{Cycle: Cycle{StartDelay: 5 * time.Millisecond, RunTime: time.Hour}})
	c := newClient(t, sim)
	ctx := context.Background()

	require.NoError(t, c.WriteModePulse(ctx, 1))
	require.Eventually(t, func() bool { return sim.Get(plc.RegAutoStatus) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.SendCancel(ctx))
	assert.Zero(t, sim.Get(plc.RegAutoStatus))
	assert.Equal(t, []uint16{plc.CancelValue}, sim.Writes(plc.RegCancel))
}

func TestRejectWrites(t *testing.T) {
	sim := New(Options{})
	c := newClient(t, sim)
	sim.RejectWrites(plc.RegReset, 1)

	var exc *link.ExceptionError
	require.ErrorAs(t, c.SendReset(context.Background()), &exc)
	assert.Equal(t, excDeviceFailure, exc.Code)

	require.NoError(t, c.SendReset(context.Background()))
}

func TestLoseEchoes(t *testing.T) {
	sim := New(Options{})
	c := newClient(t, sim)
	sim.LoseEchoes(plc.RegReset, 1)

	assert.ErrorIs(t, c.SendReset(context.Background()), link.ErrTimeout)
	assert.Equal(t, []uint16{plc.ResetValue}, sim.Writes(plc.RegReset), "the write was still carried out")

	require.NoError(t, c.SendReset(context.Background()))
}

func TestScriptSequence(t *testing.T) {
	sim := New(Options{})
	sim.Script(plc.RegPosition, 0, 1)
	c := newClient(t, sim)
	ctx := context.Background()

	for _, want := range []plc.Tristate{plc.False, plc.True, plc.True} {
		got, err := c.ReadPosition(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 3, sim.Reads(plc.RegPosition))
}

func TestUnknownRegisterAndReadOnlyCounters(t *testing.T) {
	c := newClient(t, New(Options{}))
	ctx := context.Background()

	var exc *link.ExceptionError
	_, err := c.ReadRegisters(ctx, 999, 1)
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, excIllegalAddress, exc.Code)

	require.ErrorAs(t, c.WriteRegister(ctx, plc.RegCounterTotal, 0), &exc)
	assert.Equal(t, excIllegalAddress, exc.Code)

	require.ErrorAs(t, c.WriteRegister(ctx, plc.RegCancel, 1), &exc)
	assert.Equal(t, excIllegalValue, exc.Code)
}

func TestSetFaultCounts(t *testing.T) {
	sim := New(Options{})
	sim.SetFault(true)
	sim.SetFault(true)
	assert.Equal(t, uint16(1), sim.Get(plc.RegCounterFaults))

	c := newClient(t, sim)
	require.NoError(t, c.SendReset(context.Background()))
	assert.Zero(t, sim.Get(plc.RegFault))
}
