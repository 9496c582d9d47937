// Package plcsim is an in-memory Modbus ASCII wash controller. It implements
// link.Port so the whole stack can run without hardware, for --demo and in
// tests.
package plcsim

import (
	"bytes"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/washkiosk/internal/frame"
	"github.com/shaunagostinho/washkiosk/internal/link"
	"github.com/shaunagostinho/washkiosk/internal/plc"
)

// Modbus exception codes returned by the simulator.
const (
	excIllegalFunction byte = 0x01
	excIllegalAddress  byte = 0x02
	excIllegalValue    byte = 0x03
	excDeviceFailure   byte = 0x04
)

// Cycle describes the simulated wash after an accepted mode pulse. A zero
// StartDelay disables the automatic cycle; tests then script registers
// directly.
type Cycle struct {
	StartDelay  time.Duration // pulse to auto-status 1
	RunTime     time.Duration // per mode step; mode n runs n*RunTime
	DepartDelay time.Duration // auto-status 0 to position 0
	ArriveDelay time.Duration // position 0 to the next car in position; 0 disables
}

// Options configures a Sim.
type Options struct {
	Slave      byte
	Cycle      Cycle
	PulseWidth time.Duration // how long a mode register reads 1 after a pulse
}

// Sim is a simulated controller. All methods are safe for concurrent use.
type Sim struct {
	opts Options

	mu          sync.Mutex
	regs        map[uint16]uint16
	scripts     map[uint16]func(n int) uint16
	reads       map[uint16]int
	writes      map[uint16][]uint16
	rejects     map[uint16]int
	readFails   map[uint16]int
	lostEchoes  map[uint16]int
	rx          []byte
	pending     []byte
	readTimeout time.Duration
	closed      bool
	paused      bool
	gen         int // bumped to cancel scheduled cycle steps
}

// New returns a controller that is ready, fault-free and empty.
func New(opts Options) *Sim {
	if opts.Slave == 0 {
		opts.Slave = 1
	}
	if opts.PulseWidth <= 0 {
		opts.PulseWidth = 100 * time.Millisecond
	}
	s := &Sim{
		opts:        opts,
		regs:        make(map[uint16]uint16),
		scripts:     make(map[uint16]func(int) uint16),
		reads:       make(map[uint16]int),
		writes:      make(map[uint16][]uint16),
		rejects:     make(map[uint16]int),
		readFails:   make(map[uint16]int),
		lostEchoes:  make(map[uint16]int),
		readTimeout: 100 * time.Millisecond,
	}
	for _, reg := range []uint16{
		plc.RegFault, plc.RegPreviousCar, plc.RegReady, plc.RegPosition, plc.RegAutoStatus,
		plc.RegModeBase, plc.RegModeBase + 1, plc.RegModeBase + 2, plc.RegModeBase + 3,
		plc.RegCancel, plc.RegReset, plc.RegPause,
		plc.RegCounterTotal, plc.RegCounterToday, plc.RegCounterFaults,
	} {
		s.regs[reg] = 0
	}
	s.regs[plc.RegReady] = 1
	return s
}

// Opener returns a link.Opener that hands out this simulator.
func (s *Sim) Opener() link.Opener {
	return func(string, *serial.Mode) (link.Port, error) {
		s.mu.Lock()
		s.closed = false
		s.rx = nil
		s.pending = nil
		s.mu.Unlock()
		return s, nil
	}
}

// Set forces a register value and drops any script on it.
func (s *Sim) Set(reg, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scripts, reg)
	s.regs[reg] = value
}

// Get returns the stored register value.
func (s *Sim) Get(reg uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[reg]
}

// Script makes successive reads of reg return values in order; the last value
// repeats.
func (s *Sim) Script(reg uint16, values ...uint16) {
	if len(values) == 0 {
		return
	}
	s.ScriptFunc(reg, func(n int) uint16 {
		if n > len(values) {
			return values[len(values)-1]
		}
		return values[n-1]
	})
}

// ScriptFunc makes reads of reg return fn(n), n counting reads from 1 since
// the script was installed.
func (s *Sim) ScriptFunc(reg uint16, fn func(n int) uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[reg] = fn
	s.reads[reg] = 0
}

// RejectWrites answers the next n writes to reg with a device-failure
// exception.
func (s *Sim) RejectWrites(reg uint16, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects[reg] = n
}

// LoseEchoes carries out the next n writes to reg but never answers them,
// as if the reply were lost on the line.
func (s *Sim) LoseEchoes(reg uint16, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostEchoes[reg] = n
}

func (s *Sim) echoLost(req frame.Frame) bool {
	if req.Function != frame.FuncWriteSingle || len(req.Data) != 4 {
		return false
	}
	reg := uint16(req.Data[0])<<8 | uint16(req.Data[1])
	if s.lostEchoes[reg] == 0 {
		return false
	}
	s.lostEchoes[reg]--
	return true
}

// RejectReads answers the next n reads starting at reg with a
// device-failure exception.
func (s *Sim) RejectReads(reg uint16, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readFails[reg] = n
}

// Reads returns how many times reg was read.
func (s *Sim) Reads(reg uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[reg]
}

// Writes returns the values accepted on reg, in order.
func (s *Sim) Writes(reg uint16) []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.writes[reg]...)
}

// Write receives request bytes from the link.
func (s *Sim) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.pending = append(s.pending, b...)
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			break
		}
		line := append([]byte(nil), s.pending[:i+1]...)
		s.pending = s.pending[i+1:]

		req, err := frame.Decode(line)
		if err != nil || req.Slave != s.opts.Slave {
			continue // a real slave stays silent
		}
		reply := s.handle(req)
		if s.echoLost(req) {
			continue
		}
		s.rx = append(s.rx, frame.Encode(reply)...)
	}
	return len(b), nil
}

// Read hands replies to the link, waiting up to the read timeout.
func (s *Sim) Read(b []byte) (int, error) {
	s.mu.Lock()
	deadline := time.Now().Add(s.readTimeout)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, io.EOF
		}
		if len(s.rx) > 0 {
			n := copy(b, s.rx)
			s.rx = s.rx[n:]
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		if time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Close cancels any scheduled cycle steps.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.gen++
	return nil
}

func (s *Sim) SetReadTimeout(t time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readTimeout = t
	return nil
}

func (s *Sim) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rx = nil
	return nil
}

func (s *Sim) handle(req frame.Frame) frame.Frame {
	if len(req.Data) != 4 {
		return exception(req, excIllegalValue)
	}
	reg := uint16(req.Data[0])<<8 | uint16(req.Data[1])
	arg := uint16(req.Data[2])<<8 | uint16(req.Data[3])

	switch req.Function {
	case frame.FuncReadHolding:
		return s.readHolding(req, reg, arg)
	case frame.FuncWriteSingle:
		return s.writeSingle(req, reg, arg)
	default:
		return exception(req, excIllegalFunction)
	}
}

func (s *Sim) readHolding(req frame.Frame, start, count uint16) frame.Frame {
	if count == 0 || count > 125 {
		return exception(req, excIllegalValue)
	}
	if n := s.readFails[start]; n > 0 {
		s.readFails[start] = n - 1
		return exception(req, excDeviceFailure)
	}
	data := []byte{byte(count * 2)}
	for reg := start; reg < start+count; reg++ {
		v, ok := s.regs[reg]
		if !ok {
			return exception(req, excIllegalAddress)
		}
		s.reads[reg]++
		if fn, scripted := s.scripts[reg]; scripted {
			v = fn(s.reads[reg])
		}
		data = append(data, byte(v>>8), byte(v))
	}
	return frame.Frame{Slave: req.Slave, Function: req.Function, Data: data}
}

func (s *Sim) writeSingle(req frame.Frame, reg, value uint16) frame.Frame {
	if _, ok := s.regs[reg]; !ok {
		return exception(req, excIllegalAddress)
	}
	if n := s.rejects[reg]; n > 0 {
		s.rejects[reg] = n - 1
		return exception(req, excDeviceFailure)
	}

	switch {
	case reg >= plc.RegModeBase && reg < plc.RegModeBase+plc.MaxMode:
		if value != plc.PulseValue {
			return exception(req, excIllegalValue)
		}
		s.pulse(reg, int(reg-plc.RegModeBase)+1)
	case reg == plc.RegCancel:
		if value != plc.CancelValue {
			return exception(req, excIllegalValue)
		}
		s.stopCycle()
		s.regs[plc.RegAutoStatus] = 0
	case reg == plc.RegReset:
		if value != plc.ResetValue {
			return exception(req, excIllegalValue)
		}
		s.regs[plc.RegFault] = 0
	case reg == plc.RegPause:
		switch value {
		case plc.PauseValue:
			s.paused = true
		case plc.ResumeValue:
			s.paused = false
		default:
			return exception(req, excIllegalValue)
		}
	case reg >= plc.RegCounterTotal && reg <= plc.RegCounterFaults:
		return exception(req, excIllegalAddress) // read-only
	default:
		s.regs[reg] = value
	}

	s.writes[reg] = append(s.writes[reg], value)
	return frame.Frame{Slave: req.Slave, Function: req.Function, Data: append([]byte(nil), req.Data...)}
}

// pulse latches the mode register for PulseWidth and, when the controller is
// ready and idle, runs the configured cycle. A pulse while not ready is
// silently ignored like the real controller does.
func (s *Sim) pulse(reg uint16, mode int) {
	s.regs[reg] = 1
	s.after(s.opts.PulseWidth, func() { s.regs[reg] = 0 })

	c := s.opts.Cycle
	if c.StartDelay <= 0 || s.regs[plc.RegReady] == 0 || s.regs[plc.RegAutoStatus] != 0 || s.regs[plc.RegFault] != 0 {
		return
	}

	s.after(c.StartDelay, func() {
		s.regs[plc.RegAutoStatus] = 1
		s.regs[plc.RegCounterTotal]++
		s.regs[plc.RegCounterToday]++
		s.after(time.Duration(mode)*c.RunTime, func() {
			s.regs[plc.RegAutoStatus] = 0
			s.after(c.DepartDelay, func() {
				s.regs[plc.RegPosition] = 0
				if c.ArriveDelay > 0 {
					s.after(c.ArriveDelay, func() { s.regs[plc.RegPosition] = 1 })
				}
			})
		})
	})
}

// after runs fn under the lock once d has elapsed, unless the cycle was
// cancelled meanwhile. While paused, fn is held back. Must be called with
// s.mu held.
func (s *Sim) after(d time.Duration, fn func()) {
	gen := s.gen
	var fire func()
	fire = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.gen {
			return
		}
		if s.paused {
			time.AfterFunc(50*time.Millisecond, fire)
			return
		}
		fn()
	}
	time.AfterFunc(d, fire)
}

func (s *Sim) stopCycle() {
	s.gen++
	for i := 0; i < plc.MaxMode; i++ {
		s.regs[plc.RegModeBase+uint16(i)] = 0
	}
}

// SetFault latches or clears the fault register and counts new faults.
func (s *Sim) SetFault(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scripts, plc.RegFault)
	if on && s.regs[plc.RegFault] == 0 {
		s.regs[plc.RegCounterFaults]++
	}
	if on {
		s.regs[plc.RegFault] = 1
	} else {
		s.regs[plc.RegFault] = 0
	}
}

func exception(req frame.Frame, code byte) frame.Frame {
	return frame.Frame{Slave: req.Slave, Function: req.Function | 0x80, Data: []byte{code}}
}
