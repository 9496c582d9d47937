package flow

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

const (
	eventPay         = "pay"
	eventPaid        = "paid"
	eventPayFailed   = "pay_failed"
	eventCheck       = "check"
	eventGateWait    = "gate_wait"
	eventStart       = "start"
	eventRun         = "run"
	eventComplete    = "complete"
	eventRefund      = "refund"
	eventRefunded    = "refunded"
	eventEscalate    = "escalate"
	eventAcknowledge = "acknowledge"
)

func from(kinds ...Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// newMachine builds the order transition table. onEnter runs after every
// successful transition with the event arguments.
func newMachine(onEnter func(e *fsm.Event)) *fsm.FSM {
	events := fsm.Events{
		// a manual intervention blocks new orders until acknowledged
		{Name: eventPay, Src: from(KindIdle, KindCompleted, KindRefunded, KindFailed), Dst: string(KindPaying)},
		{Name: eventPaid, Src: from(KindPaying), Dst: string(KindPaymentSuccess)},
		{Name: eventPayFailed, Src: from(KindPaying), Dst: string(KindFailed)},

		{Name: eventCheck, Src: from(KindPaymentSuccess, KindWaitingForGateCheck), Dst: string(KindGateChecking)},
		{Name: eventGateWait, Src: from(KindGateChecking), Dst: string(KindWaitingForGateCheck)},
		{Name: eventStart, Src: from(KindGateChecking), Dst: string(KindStarting)},
		{Name: eventRun, Src: from(KindStarting), Dst: string(KindRunning)},
		{Name: eventComplete, Src: from(KindRunning), Dst: string(KindCompleted)},

		// no refund once the cycle is confirmed running
		{Name: eventRefund, Src: from(KindPaymentSuccess, KindGateChecking, KindWaitingForGateCheck, KindStarting), Dst: string(KindRefunding)},
		{Name: eventRefunded, Src: from(KindRefunding), Dst: string(KindRefunded)},
		{Name: eventEscalate, Src: from(KindStarting, KindRunning, KindRefunding), Dst: string(KindManualIntervention)},
		{Name: eventAcknowledge, Src: from(KindManualIntervention), Dst: string(KindIdle)},
	}

	callbacks := fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) { onEnter(e) },
	}
	return fsm.NewFSM(string(KindIdle), events, callbacks)
}

// reasonArg extracts the optional reason passed to Event.
func reasonArg(e *fsm.Event) string {
	if len(e.Args) == 0 {
		return ""
	}
	r, _ := e.Args[0].(string)
	return r
}

// isRejected reports whether err means the event is not allowed from the
// current state.
func isRejected(err error) bool {
	var invalid fsm.InvalidEventError
	var unknown fsm.UnknownEventError
	var noTransition fsm.NoTransitionError
	return errors.As(err, &invalid) || errors.As(err, &unknown) || errors.As(err, &noTransition)
}
