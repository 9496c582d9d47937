package link

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/washkiosk/internal/frame"
	"github.com/shaunagostinho/washkiosk/internal/metrics"
)

// readLoop drains the port into the ring buffer and queues every line that
// decodes. Each Read returns within the port read timeout, so stop is
// observed promptly.
func (l *Link) readLoop(port Port, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	rb := newRing(l.cfg.BufferSize)
	chunk := make([]byte, 256)

	for {
		if isClosed(stop) {
			return
		}

		n, err := port.Read(chunk)
		if err != nil {
			if isClosed(stop) {
				return
			}
			l.markDown(port, err)
			return
		}
		if n == 0 {
			continue // read timeout
		}

		if !rb.write(chunk[:n]) {
			metrics.ReaderOverflows.Inc()
			l.log.Warn("receive buffer overflow, clearing",
				zap.Int("buffered", rb.len()),
				zap.Int("incoming", n),
				zap.Duration("cooldown", l.cfg.OverflowCooldown),
			)
			rb.reset()
			select {
			case <-stop:
				return
			case <-time.After(l.cfg.OverflowCooldown):
			}
			continue
		}

		for {
			line, ok := rb.nextLine()
			if !ok {
				break
			}
			if len(line) == 0 {
				continue
			}
			f, err := frame.Decode(line)
			if err != nil {
				var fe *frame.Error
				kind := "unknown"
				if errors.As(err, &fe) {
					kind = fe.Kind.String()
				}
				metrics.FrameErrors.WithLabelValues(kind).Inc()
				l.log.Debug("dropped malformed frame", zap.Error(err))
				continue
			}
			l.push(f)
		}
	}
}
