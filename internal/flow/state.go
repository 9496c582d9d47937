package flow

import (
	"time"

	"github.com/shaunagostinho/washkiosk/internal/payment"
	"github.com/shaunagostinho/washkiosk/internal/wash"
)

// Kind is the orchestrator state shown to the customer.
type Kind string

const (
	KindIdle                Kind = "idle"
	KindPaying              Kind = "paying"
	KindPaymentSuccess      Kind = "payment_success"
	KindGateChecking        Kind = "gate_checking"
	KindWaitingForGateCheck Kind = "waiting_for_gate_check"
	KindStarting            Kind = "starting"
	KindRunning             Kind = "running"
	KindCompleted           Kind = "completed"
	KindRefunding           Kind = "refunding"
	KindRefunded            Kind = "refunded"
	KindManualIntervention  Kind = "manual_intervention_required"
	KindFailed              Kind = "failed"
)

// Terminal reports whether an order ends in k.
func (k Kind) Terminal() bool {
	switch k {
	case KindCompleted, KindRefunded, KindManualIntervention, KindFailed:
		return true
	}
	return false
}

// Flow-level reasons. Gate and start/run reasons pass through unchanged.
const (
	ReasonGateCheckTimeout = "GATE_CHECK_TIMEOUT"
	ReasonCancelled        = "CANCELLED"
	ReasonPaymentFailed    = "PAYMENT_FAILED"
	ReasonPaymentCancelled = "PAYMENT_CANCELLED"
	ReasonRefundFailed     = "REFUND_FAILED"
)

// State is a read-only copy of the orchestrator state.
type State struct {
	Kind      Kind        `json:"kind"`
	Reason    string      `json:"reason,omitempty"`
	OrderID   string      `json:"orderId,omitempty"`
	ProgramID string      `json:"programId,omitempty"`
	Mode      int         `json:"mode,omitempty"`
	Since     time.Time   `json:"since"`
	Phase     *wash.State `json:"phase,omitempty"` // start/run detail while starting or running
}

// Order is one customer purchase.
type Order struct {
	ProgramID     string         `json:"programId"`
	PaymentMethod payment.Method `json:"paymentMethod"`
}
