package plc

import "fmt"

// Holding register addresses on the wash controller.
const (
	RegFault       uint16 = 100 // nonzero = fault
	RegPreviousCar uint16 = 101 // 1 = previous car still in bay
	RegReady       uint16 = 102 // 1 = ready to accept a mode pulse
	RegPosition    uint16 = 103 // 1 = car in position
	RegAutoStatus  uint16 = 104 // 1 = automatic cycle running

	RegModeBase uint16 = 200 // mode n pulses RegModeBase+n-1

	RegCancel uint16 = 210
	RegReset  uint16 = 211
	RegPause  uint16 = 212

	RegCounterTotal  uint16 = 300
	RegCounterToday  uint16 = 301
	RegCounterFaults uint16 = 302
)

// Fixed values written to the command registers.
const (
	PulseValue  uint16 = 0x0001
	CancelValue uint16 = 0x00A5
	ResetValue  uint16 = 0x005A
	PauseValue  uint16 = 0x0001
	ResumeValue uint16 = 0x0002
)

const (
	statusBlockStart = RegFault
	statusBlockLen   = 5
	counterBlockLen  = 3
)

// Wash modes accepted by the controller.
const (
	MinMode = 1
	MaxMode = 4
)

// ModeRegister returns the pulse register for mode 1..4.
func ModeRegister(mode int) (uint16, error) {
	if mode < MinMode || mode > MaxMode {
		return 0, fmt.Errorf("%w: %d", ErrInvalidMode, mode)
	}
	return RegModeBase + uint16(mode-1), nil
}

// Tristate is the result of a register read that may not have completed.
// The zero value is Unknown.
type Tristate int8

const (
	Unknown Tristate = iota
	False
	True
)

// FromBool converts a definite value.
func FromBool(b bool) Tristate {
	if b {
		return True
	}
	return False
}

// Known reports whether the read produced a definite value.
func (t Tristate) Known() bool { return t != Unknown }

func (t Tristate) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as "true", "false" or "unknown".
func (t Tristate) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts the MarshalText forms. Anything else is Unknown.
func (t *Tristate) UnmarshalText(b []byte) error {
	switch string(b) {
	case "true":
		*t = True
	case "false":
		*t = False
	default:
		*t = Unknown
	}
	return nil
}
