package link

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of serial.Port the link needs. The PLC simulator and
// test doubles implement it too.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Opener opens the device at path with the given line parameters.
type Opener func(path string, mode *serial.Mode) (Port, error)

// SerialOpener opens a real serial device. go.bug.st/serial puts the line in
// raw mode with no flow control and no CR/LF translation.
func SerialOpener(path string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Config holds the line parameters and reader tuning.
type Config struct {
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyS3
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	DataBits int    `yaml:"data_bits" json:"dataBits"`
	Parity   string `yaml:"parity" json:"parity"` // "even", "odd", "none"
	StopBits int    `yaml:"stop_bits" json:"stopBits"`

	ReadTimeout      time.Duration `yaml:"-" json:"-"` // per Read call in the reader
	BufferSize       int           `yaml:"-" json:"-"` // receive ring buffer capacity
	OverflowCooldown time.Duration `yaml:"-" json:"-"`
}

const (
	defaultBaudRate         = 9600
	defaultDataBits         = 7
	defaultReadTimeout      = 100 * time.Millisecond
	defaultBufferSize       = 512
	defaultOverflowCooldown = 1500 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.BaudRate == 0 {
		c.BaudRate = defaultBaudRate
	}
	if c.DataBits == 0 {
		c.DataBits = defaultDataBits
	}
	if c.Parity == "" {
		c.Parity = "even"
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.OverflowCooldown <= 0 {
		c.OverflowCooldown = defaultOverflowCooldown
	}
	return c
}

// Mode converts the configured line discipline into a serial.Mode.
func (c Config) Mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
	}

	switch strings.ToLower(c.Parity) {
	case "even", "e":
		mode.Parity = serial.EvenParity
	case "odd", "o":
		mode.Parity = serial.OddParity
	case "none", "n":
		mode.Parity = serial.NoParity
	default:
		return nil, fmt.Errorf("link: unsupported parity %q", c.Parity)
	}

	switch c.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("link: unsupported stop bits %d", c.StopBits)
	}

	if c.DataBits < 5 || c.DataBits > 8 {
		return nil, fmt.Errorf("link: unsupported data bits %d", c.DataBits)
	}
	return mode, nil
}
