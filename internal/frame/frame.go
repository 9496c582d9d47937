package frame

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Modbus ASCII framing.
const (
	Sentinel   = ':'
	Terminator = "\r\n"
)

// Function codes used by the wash controller.
const (
	FuncReadHolding byte = 0x03
	FuncWriteSingle byte = 0x06

	exceptionFlag byte = 0x80
)

// slave + function + lrc
const minDecodedLength = 3

// Frame is one decoded Modbus ASCII message without the LRC byte.
type Frame struct {
	Slave    byte
	Function byte
	Data     []byte
}

// ErrorKind classifies why a raw line could not be decoded.
type ErrorKind int

const (
	ErrMissingSentinel ErrorKind = iota + 1
	ErrNonHex
	ErrOddLength
	ErrTooShort
	ErrChecksum
)

func (k ErrorKind) String() string {
	switch k {
	case ErrMissingSentinel:
		return "missing sentinel"
	case ErrNonHex:
		return "non-hex character"
	case ErrOddLength:
		return "odd hex length"
	case ErrTooShort:
		return "frame too short"
	case ErrChecksum:
		return "checksum mismatch"
	default:
		return "unknown"
	}
}

// Error is returned by Decode. It is always recoverable: the caller drops
// the line and keeps reading.
type Error struct {
	Kind ErrorKind
	Raw  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("frame: %s: %q", e.Kind, e.Raw)
}

// LRC returns the two's complement of the byte sum of payload, mod 256.
func LRC(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return -sum
}

// Encode renders f as a complete wire frame including sentinel, LRC and
// terminator.
func Encode(f Frame) []byte {
	payload := f.payload()
	payload = append(payload, LRC(payload))

	out := make([]byte, 0, 1+hex.EncodedLen(len(payload))+len(Terminator))
	out = append(out, Sentinel)
	out = append(out, strings.ToUpper(hex.EncodeToString(payload))...)
	out = append(out, Terminator...)
	return out
}

// EncodeRead builds a read-holding-registers request.
func EncodeRead(slave byte, register, count uint16) []byte {
	return Encode(Frame{
		Slave:    slave,
		Function: FuncReadHolding,
		Data:     []byte{byte(register >> 8), byte(register), byte(count >> 8), byte(count)},
	})
}

// EncodeWrite builds a write-single-register request.
func EncodeWrite(slave byte, register, value uint16) []byte {
	return Encode(Frame{
		Slave:    slave,
		Function: FuncWriteSingle,
		Data:     []byte{byte(register >> 8), byte(register), byte(value >> 8), byte(value)},
	})
}

// Decode parses one raw line. Surrounding whitespace and the CR/LF
// terminator are ignored.
func Decode(raw []byte) (Frame, error) {
	line := strings.TrimRight(string(raw), "\r\n")
	line = strings.TrimLeft(line, " \t\x00")

	if len(line) == 0 || line[0] != Sentinel {
		return Frame{}, &Error{Kind: ErrMissingSentinel, Raw: line}
	}
	body := line[1:]

	for i := 0; i < len(body); i++ {
		if !isHex(body[i]) {
			return Frame{}, &Error{Kind: ErrNonHex, Raw: line}
		}
	}
	if len(body)%2 != 0 {
		return Frame{}, &Error{Kind: ErrOddLength, Raw: line}
	}

	decoded, err := hex.DecodeString(body)
	if err != nil {
		return Frame{}, &Error{Kind: ErrNonHex, Raw: line}
	}
	if len(decoded) < minDecodedLength {
		return Frame{}, &Error{Kind: ErrTooShort, Raw: line}
	}

	payload, sent := decoded[:len(decoded)-1], decoded[len(decoded)-1]
	if LRC(payload) != sent {
		return Frame{}, &Error{Kind: ErrChecksum, Raw: line}
	}

	f := Frame{Slave: payload[0], Function: payload[1]}
	if len(payload) > 2 {
		f.Data = append([]byte(nil), payload[2:]...)
	}
	return f, nil
}

// IsException reports whether f is a Modbus exception reply.
func (f Frame) IsException() bool {
	return f.Function&exceptionFlag != 0
}

// BaseFunction strips the exception flag.
func (f Frame) BaseFunction() byte {
	return f.Function &^ exceptionFlag
}

// ExceptionCode returns the exception code of an exception reply, or 0.
func (f Frame) ExceptionCode() byte {
	if !f.IsException() || len(f.Data) == 0 {
		return 0
	}
	return f.Data[0]
}

// ByteCount returns the byte-count prefix of a read reply, or -1 if the frame
// carries none.
func (f Frame) ByteCount() int {
	if len(f.Data) == 0 {
		return -1
	}
	return int(f.Data[0])
}

// Registers unpacks a read reply's big-endian register values.
func (f Frame) Registers() ([]uint16, error) {
	n := f.ByteCount()
	if n < 0 || n%2 != 0 || len(f.Data)-1 < n {
		return nil, fmt.Errorf("frame: malformed read reply (byte count %d, data %d)", n, len(f.Data))
	}
	regs := make([]uint16, n/2)
	for i := range regs {
		regs[i] = uint16(f.Data[1+2*i])<<8 | uint16(f.Data[2+2*i])
	}
	return regs, nil
}

func (f Frame) payload() []byte {
	p := make([]byte, 0, 2+len(f.Data))
	p = append(p, f.Slave, f.Function)
	return append(p, f.Data...)
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f')
}
