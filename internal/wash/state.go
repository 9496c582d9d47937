package wash

import (
	"time"

	"github.com/shaunagostinho/washkiosk/internal/policy"
)

// Phase is the current step of a start attempt.
type Phase string

const (
	PhaseWaitPreviousCarLeave Phase = "WaitPreviousCarLeave"
	PhaseWaitCarInPosition    Phase = "WaitCarInPosition"
	PhaseWaitDeviceReady      Phase = "WaitDeviceReady"
	PhaseSendMode             Phase = "SendMode"
	PhaseConfirmStart         Phase = "ConfirmStart"
	PhaseSuccess              Phase = "Success"
	PhaseRefunding            Phase = "Refunding"
	PhaseRunMonitor           Phase = "RunMonitor"
)

func (p Phase) policy() policy.Phase {
	switch p {
	case PhaseWaitPreviousCarLeave:
		return policy.WaitPreviousCarLeave
	case PhaseWaitCarInPosition:
		return policy.WaitCarInPosition
	case PhaseWaitDeviceReady:
		return policy.WaitDeviceReady
	case PhaseSendMode:
		return policy.SendMode
	case PhaseConfirmStart:
		return policy.ConfirmStart
	case PhaseRunMonitor:
		return policy.RunMonitor
	default:
		return ""
	}
}

// Reason is why an attempt ended in a refund or needs an operator.
type Reason string

const (
	ReasonPreviousCarNotLeft   Reason = "PREVIOUS_CAR_NOT_LEFT"
	ReasonCarNotInPosition     Reason = "CAR_NOT_IN_POSITION"
	ReasonDeviceNotReady       Reason = "DEVICE_NOT_READY"
	ReasonSendModeFailed       Reason = "SEND_MODE_FAILED"
	ReasonNotEnteredAutoStatus Reason = "NOT_ENTERED_AUTO_STATUS"
	ReasonRunTimeout           Reason = "RUN_TIMEOUT"
	ReasonFaultDuringRun       Reason = "FAULT_DURING_RUN"
	ReasonCancelled            Reason = "CANCELLED"
)

// NeedsOperator reports whether the machine may already be washing, so an
// automatic refund is unsafe.
func (r Reason) NeedsOperator() bool {
	return r == ReasonRunTimeout || r == ReasonFaultDuringRun
}

// State is a copy of the attempt's progress handed to the observer.
type State struct {
	Mode          int           `json:"mode"`
	Phase         Phase         `json:"phase"`
	Elapsed       time.Duration `json:"elapsed"`
	Confirmations int           `json:"confirmations"`
	Round         int           `json:"round,omitempty"`
	Attempt       int           `json:"attempt,omitempty"`
	PulseSent     bool          `json:"pulseSent"`
	Reason        Reason        `json:"reason,omitempty"`
}

// StartResult is the terminal outcome of Start.
type StartResult struct {
	Success   bool
	Reason    Reason
	PulseSent bool
	Duration  time.Duration
}

// NeedsOperator reports whether a failed start may have left the controller
// washing. Only a start that never entered auto-status after its pulses is
// safe to refund.
func (r StartResult) NeedsOperator() bool {
	return !r.Success && r.PulseSent && r.Reason != ReasonNotEnteredAutoStatus
}

// RunResult is the terminal outcome of Monitor.
type RunResult struct {
	Completed bool
	Reason    Reason
	Duration  time.Duration
}
