package link

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/washkiosk/internal/frame"
	"github.com/shaunagostinho/washkiosk/internal/metrics"
)

// Match selects the reply to a pending request. ByteCount is checked only
// when positive (read replies). Echo, when set, must prefix the reply data
// (write-single replies echo register and value).
type Match struct {
	Slave     byte
	Function  byte
	ByteCount int
	Echo      []byte
}

// ReadMatch matches a read-holding reply for count registers.
func ReadMatch(slave byte, count uint16) Match {
	return Match{Slave: slave, Function: frame.FuncReadHolding, ByteCount: int(count) * 2}
}

// WriteMatch matches the echo of a write-single request.
func WriteMatch(slave byte, register, value uint16) Match {
	return Match{
		Slave:    slave,
		Function: frame.FuncWriteSingle,
		Echo:     []byte{byte(register >> 8), byte(register), byte(value >> 8), byte(value)},
	}
}

func (m Match) accepts(f frame.Frame) bool {
	if f.Slave != m.Slave || f.Function != m.Function {
		return false
	}
	if m.ByteCount > 0 && f.ByteCount() != m.ByteCount {
		return false
	}
	if len(m.Echo) > 0 && !bytes.HasPrefix(f.Data, m.Echo) {
		return false
	}
	return true
}

func (m Match) exception(f frame.Frame) bool {
	return f.IsException() && f.Slave == m.Slave && f.BaseFunction() == m.Function
}

// Option configures a Link.
type Option func(*Link)

// WithOpener replaces the serial opener (simulator, tests).
func WithOpener(open Opener) Option {
	return func(l *Link) { l.open = open }
}

// WithLogger sets the link logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Link) { l.log = log }
}

// Link owns the serial port, the background reader and the exchange lock.
// At most one request/response transaction is in flight at any time.
type Link struct {
	cfg  Config
	open Opener
	log  *zap.Logger

	mu   sync.Mutex
	port Port
	stop chan struct{}
	done chan struct{}

	// exchange lock; a channel so acquisition can honour ctx
	lock chan struct{}

	qmu    sync.Mutex
	queue  []frame.Frame
	notify chan struct{}
}

// New creates a closed link.
func New(cfg Config, opts ...Option) *Link {
	l := &Link{
		cfg:    cfg.withDefaults(),
		open:   SerialOpener,
		log:    zap.NewNop(),
		lock:   make(chan struct{}, 1),
		notify: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open configures the line discipline, opens the port and starts the reader.
func (l *Link) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.port != nil {
		return ErrAlreadyOpen
	}

	mode, err := l.cfg.Mode()
	if err != nil {
		return err
	}

	port, err := l.open(l.cfg.PortPath, mode)
	if err != nil {
		return fmt.Errorf("link: failed to open %s: %w", l.cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(l.cfg.ReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("link: set read timeout: %w", err)
	}
	// discard whatever the controller sent before we were listening
	if err := port.ResetInputBuffer(); err != nil {
		l.log.Debug("reset input buffer failed", zap.Error(err))
	}

	l.clearQueue()
	l.port = port
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.readLoop(port, l.stop, l.done)

	l.log.Info("link open",
		zap.String("port", l.cfg.PortPath),
		zap.Int("baud", mode.BaudRate),
		zap.Int("dataBits", mode.DataBits),
		zap.String("parity", l.cfg.Parity),
		zap.Int("stopBits", l.cfg.StopBits),
	)
	return nil
}

// Close stops the reader and releases the port. Closing a closed link is a
// no-op.
func (l *Link) Close() error {
	l.mu.Lock()
	port, stop, done := l.port, l.stop, l.done
	l.port = nil
	l.mu.Unlock()

	if port == nil {
		return nil
	}
	close(stop)
	err := port.Close()
	<-done
	l.log.Info("link closed", zap.String("port", l.cfg.PortPath))
	return err
}

// IsConnected reports whether the port is open and the reader is running.
func (l *Link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port != nil
}

// Reconnect closes the port if open and opens it again.
func (l *Link) Reconnect(ctx context.Context) error {
	if err := l.Close(); err != nil {
		l.log.Debug("close before reconnect", zap.Error(err))
	}
	return l.Open(ctx)
}

// Request performs one exclusive write-then-await exchange. It blocks until
// the exchange lock is free or ctx is done.
func (l *Link) Request(ctx context.Context, payload []byte, m Match, timeout time.Duration) (frame.Frame, error) {
	select {
	case l.lock <- struct{}{}:
	case <-ctx.Done():
		return frame.Frame{}, ctx.Err()
	}
	defer func() { <-l.lock }()

	return l.exchange(ctx, payload, m, timeout)
}

// TryRequest is Request without waiting: it returns ErrBusy if another
// transaction holds the lock.
func (l *Link) TryRequest(ctx context.Context, payload []byte, m Match, timeout time.Duration) (frame.Frame, error) {
	select {
	case l.lock <- struct{}{}:
	default:
		metrics.LinkTransactions.WithLabelValues("busy").Inc()
		return frame.Frame{}, ErrBusy
	}
	defer func() { <-l.lock }()

	return l.exchange(ctx, payload, m, timeout)
}

func (l *Link) exchange(ctx context.Context, payload []byte, m Match, timeout time.Duration) (frame.Frame, error) {
	l.mu.Lock()
	port, stop := l.port, l.stop
	l.mu.Unlock()

	if port == nil {
		metrics.LinkTransactions.WithLabelValues("not_connected").Inc()
		return frame.Frame{}, ErrNotConnected
	}

	// replies to earlier, abandoned requests must not satisfy this one
	if stale := l.clearQueue(); stale > 0 {
		l.log.Debug("discarded stale frames", zap.Int("count", stale))
	}

	start := time.Now()
	if _, err := port.Write(payload); err != nil {
		metrics.LinkTransactions.WithLabelValues("write_error").Inc()
		return frame.Frame{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		for {
			f, ok := l.pop()
			if !ok {
				break
			}
			if m.accepts(f) {
				metrics.LinkTransactions.WithLabelValues("ok").Inc()
				metrics.LinkLatency.Observe(time.Since(start).Seconds())
				return f, nil
			}
			if m.exception(f) {
				metrics.LinkTransactions.WithLabelValues("exception").Inc()
				return f, &ExceptionError{Function: f.BaseFunction(), Code: f.ExceptionCode()}
			}
			l.log.Debug("discarded unmatched frame",
				zap.Uint8("slave", f.Slave),
				zap.Uint8("function", f.Function),
			)
		}

		select {
		case <-l.notify:
		case <-timer.C:
			metrics.LinkTransactions.WithLabelValues("timeout").Inc()
			return frame.Frame{}, ErrTimeout
		case <-stop:
			metrics.LinkTransactions.WithLabelValues("not_connected").Inc()
			return frame.Frame{}, ErrNotConnected
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		}
	}
}

func (l *Link) push(f frame.Frame) {
	l.qmu.Lock()
	l.queue = append(l.queue, f)
	l.qmu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Link) pop() (frame.Frame, bool) {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	if len(l.queue) == 0 {
		return frame.Frame{}, false
	}
	f := l.queue[0]
	l.queue = l.queue[1:]
	return f, true
}

func (l *Link) clearQueue() int {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	n := len(l.queue)
	l.queue = nil
	return n
}

// markDown drops a port whose reader hit a fatal read error, unless the link
// has since been closed or reopened.
func (l *Link) markDown(port Port, cause error) {
	l.mu.Lock()
	if l.port != port {
		l.mu.Unlock()
		return
	}
	l.port = nil
	close(l.stop)
	l.mu.Unlock()

	port.Close()
	l.log.Warn("link lost", zap.String("port", l.cfg.PortPath), zap.Error(cause))
}

// isClosed reports whether ch has been closed.
func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
