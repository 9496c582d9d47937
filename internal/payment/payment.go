// Package payment defines the payment collaborator and a demo provider for
// running the kiosk without card or cash hardware.
package payment

import (
	"context"
	"fmt"
)

// Method is how the customer pays. Refunds go back through the same method.
type Method string

const (
	MethodCard Method = "card"
	MethodCash Method = "cash"
	MethodQR   Method = "qr"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodCard, MethodCash, MethodQR:
		return true
	}
	return false
}

// Status is the outcome of a payment attempt.
type Status int

const (
	StatusFailure Status = iota
	StatusSuccess
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCancelled:
		return "cancelled"
	default:
		return "failure"
	}
}

// Reference identifies a captured payment for refunds.
type Reference struct {
	ID          string `json:"id"`
	Method      Method `json:"method"`
	AmountCents int64  `json:"amountCents"`
}

// Result of ProcessPayment. Code is the provider's own result code; it is
// logged and never interpreted outside the provider.
type Result struct {
	Status    Status
	Reference Reference
	Code      string
}

// Provider captures and refunds payments.
type Provider interface {
	ProcessPayment(ctx context.Context, amountCents int64, method Method) (Result, error)
	Refund(ctx context.Context, ref Reference) (bool, error)
}

// ErrUnsupportedMethod is returned for methods a provider cannot take.
type ErrUnsupportedMethod struct {
	Method Method
}

func (e *ErrUnsupportedMethod) Error() string {
	return fmt.Sprintf("payment: unsupported method %q", e.Method)
}
