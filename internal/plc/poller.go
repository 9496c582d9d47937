package plc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shaunagostinho/washkiosk/internal/link"
	"github.com/shaunagostinho/washkiosk/internal/metrics"
)

// PollerConfig controls the status display poller.
type PollerConfig struct {
	Interval    time.Duration // ticker period for Run
	MinInterval time.Duration // floor between two polls
	MaxAge      time.Duration // snapshot staleness bound
}

const latestKey = "latest"

// StatusPoller keeps a fresh RegisterSnapshot for diagnostics and the status
// display. It is single-flight: a poll is skipped, never queued, when the
// previous one is still running, when called too soon, or when an order
// holds the link.
type StatusPoller struct {
	client   *Client
	cfg      PollerConfig
	limiter  *rate.Limiter
	inFlight atomic.Bool
	cache    *cache.Cache
	log      *zap.Logger

	subMu  sync.Mutex
	subs   map[int]chan RegisterSnapshot
	nextID int
}

// NewStatusPoller builds a poller on a non-blocking view of client.
func NewStatusPoller(client *Client, cfg PollerConfig, log *zap.Logger) *StatusPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = cfg.Interval / 2
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusPoller{
		client:  client.NonBlocking(),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		cache:   cache.New(cfg.MaxAge, 2*cfg.MaxAge),
		log:     log,
		subs:    make(map[int]chan RegisterSnapshot),
	}
}

// Poll runs one cycle. It reports false when the cycle was skipped.
func (p *StatusPoller) Poll(ctx context.Context) bool {
	if !p.limiter.Allow() {
		metrics.StatusPolls.WithLabelValues("skipped").Inc()
		return false
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		metrics.StatusPolls.WithLabelValues("skipped").Inc()
		return false
	}
	defer p.inFlight.Store(false)

	snap, err := p.client.Snapshot(ctx)
	switch {
	case errors.Is(err, link.ErrBusy):
		metrics.StatusPolls.WithLabelValues("skipped").Inc()
		return false
	case err != nil:
		metrics.StatusPolls.WithLabelValues("error").Inc()
		p.log.Debug("status poll failed", zap.Error(err))
	default:
		metrics.StatusPolls.WithLabelValues("ok").Inc()
	}

	if snap.Online {
		metrics.ControllerOnline.Set(1)
	} else {
		metrics.ControllerOnline.Set(0)
	}
	p.cache.Set(latestKey, snap, p.cfg.MaxAge)
	p.publish(snap)
	return true
}

// Latest returns the last snapshot and whether it must be treated as stale.
// An expired, offline or missing snapshot is stale.
func (p *StatusPoller) Latest() (RegisterSnapshot, bool) {
	v, ok := p.cache.Get(latestKey)
	if !ok {
		return RegisterSnapshot{}, true
	}
	snap := v.(RegisterSnapshot)
	return snap, !snap.Online || snap.Stale(time.Now(), p.cfg.MaxAge)
}

// Run polls at the configured interval until ctx is done.
func (p *StatusPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.log.Info("status poller started", zap.Duration("interval", p.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Subscribe returns a channel receiving each new snapshot. Slow subscribers
// miss snapshots rather than blocking the poller.
func (p *StatusPoller) Subscribe() (<-chan RegisterSnapshot, func()) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan RegisterSnapshot, 4)
	p.subs[id] = ch

	return ch, func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
}

func (p *StatusPoller) publish(snap RegisterSnapshot) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
