package link

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("link: not connected")
	ErrAlreadyOpen  = errors.New("link: already open, close it first")
	ErrTimeout      = errors.New("link: response timeout")
	ErrBusy         = errors.New("link: transaction in flight")
	ErrWrite        = errors.New("link: write failed")
)

// ExceptionError is a Modbus exception reply to the pending request.
type ExceptionError struct {
	Function byte
	Code     byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("link: modbus exception fc=0x%02X code=0x%02X", e.Function, e.Code)
}
