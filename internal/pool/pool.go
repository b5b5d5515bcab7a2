// Package pool implements ConnectionPool: a fixed number of
// ConnectionEndpoint slots, each independently dialed and
// automatically redialed with exponential backoff when it drops, with
// least-loaded-with-LRU-tie-break selection for submitters.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jchambers/pushy-go/internal/conn"
	"github.com/jchambers/pushy-go/metrics"
)

var (
	ErrClosed    = errors.New("pool: closed")
	ErrQueueFull = errors.New("pool: wait queue is full")
)

// Dialer opens one ConnectionEndpoint for the named slot. It is called
// repeatedly by the pool's reconnection loop.
type Dialer func(ctx context.Context, slotID string) (*conn.Endpoint, error)

// Options configures a Pool.
type Options struct {
	Size        int
	MaxWaiters  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Logger      *zap.Logger
	Metrics     metrics.Listener
}

func (o *Options) setDefaults() {
	if o.Size <= 0 {
		o.Size = 1
	}
	if o.MaxWaiters <= 0 {
		o.MaxWaiters = 1000
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 60 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Noop{}
	}
}

type slot struct {
	id       string
	ep       *conn.Endpoint
	lastUsed int64
}

// Pool owns Size connection slots and hands out ready endpoints to
// submitters via Acquire.
type Pool struct {
	dial Dialer

	mu      sync.Mutex
	cond    *sync.Cond
	slots   []*slot
	seq     int64
	waiting int

	maxWaiters int
	closed     bool
	closeCh    chan struct{}
	wg         sync.WaitGroup

	logger  *zap.Logger
	metrics metrics.Listener
}

// New creates a Pool and starts dialing all Size slots in the
// background. ctx bounds the lifetime of the dial calls the pool
// makes; it does not bound the pool itself (use Close for that).
func New(ctx context.Context, dial Dialer, opts Options) *Pool {
	opts.setDefaults()

	p := &Pool{
		dial:       dial,
		slots:      make([]*slot, opts.Size),
		maxWaiters: opts.MaxWaiters,
		closeCh:    make(chan struct{}),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
	p.cond = sync.NewCond(&p.mu)

	for i := range p.slots {
		s := &slot{id: fmt.Sprintf("slot-%d", i)}
		p.slots[i] = s
		p.wg.Add(1)
		go p.runSlot(ctx, s, NewBackoff(opts.BackoffBase, opts.BackoffMax))
	}

	return p
}

func (p *Pool) runSlot(ctx context.Context, s *slot, b *Backoff) {
	defer p.wg.Done()

	for {
		select {
		case <-p.closeCh:
			return
		default:
		}

		ep, err := p.dial(ctx, s.id)
		if err != nil {
			p.metrics.ConnectionCreationFailed()
			p.logger.Warn("slot connection attempt failed", zap.String("slot", s.id), zap.Error(err))
			delay := b.Next()
			select {
			case <-time.After(delay):
			case <-p.closeCh:
				return
			}
			continue
		}
		b.Reset()

		p.mu.Lock()
		s.ep = ep
		p.mu.Unlock()
		p.cond.Broadcast()

		select {
		case <-ep.Done():
		case <-p.closeCh:
			<-ep.Close(true)
		}

		p.mu.Lock()
		s.ep = nil
		p.mu.Unlock()
	}
}

// Acquire blocks until a ready endpoint with spare stream capacity is
// available, ctx is done, the pool is closed, or the wait queue is
// full.
func (p *Pool) Acquire(ctx context.Context) (*conn.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, ErrClosed
		}
		if ep := p.selectLocked(); ep != nil {
			return ep, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if p.waiting >= p.maxWaiters {
			return nil, ErrQueueFull
		}

		p.waiting++
		stopWatch := make(chan struct{})
		if ctx.Done() != nil {
			go func() {
				select {
				case <-ctx.Done():
					p.cond.Broadcast()
				case <-stopWatch:
				}
			}()
		}
		p.cond.Wait()
		close(stopWatch)
		p.waiting--
	}
}

// selectLocked picks the ready endpoint with the lowest fraction of
// its concurrency limit in use, breaking ties by the endpoint least
// recently handed out. Callers must hold p.mu.
func (p *Pool) selectLocked() *conn.Endpoint {
	var best *slot
	var bestLoad float64

	for _, s := range p.slots {
		if s.ep == nil || s.ep.State() != conn.StateReady {
			continue
		}
		max := s.ep.MaxConcurrentStreams()
		inflight := uint32(s.ep.Inflight())
		if inflight >= max {
			continue
		}
		load := float64(inflight) / float64(max)
		if best == nil || load < bestLoad || (load == bestLoad && s.lastUsed < best.lastUsed) {
			best = s
			bestLoad = load
		}
	}
	if best == nil {
		return nil
	}

	p.seq++
	best.lastUsed = p.seq
	return best.ep
}

// WaitReady blocks until at least n slots hold a ready endpoint, ctx
// is done, or the pool is closed.
func (p *Pool) WaitReady(ctx context.Context, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.readyLocked() >= n {
			return nil
		}
		if p.closed {
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		stopWatch := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.cond.Broadcast()
			case <-stopWatch:
			}
		}()
		p.cond.Wait()
		close(stopWatch)
	}
}

// Ready reports how many slots currently hold a ready endpoint.
func (p *Pool) Ready() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyLocked()
}

func (p *Pool) readyLocked() int {
	n := 0
	for _, s := range p.slots {
		if s.ep != nil && s.ep.State() == conn.StateReady {
			n++
		}
	}
	return n
}

// Close stops reconnection, gracefully closes every live endpoint, and
// wakes any blocked Acquire/WaitReady callers. It waits up to
// gracePeriod for in-flight streams to drain; slots still open after
// that are hard-closed, dropping whatever is still in flight on them.
// gracePeriod <= 0 hard-closes immediately.
func (p *Pool) Close(gracePeriod time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.closeCh)
	p.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if gracePeriod > 0 {
		select {
		case <-done:
			return
		case <-time.After(gracePeriod):
		}
	}

	p.mu.Lock()
	live := make([]*conn.Endpoint, 0, len(p.slots))
	for _, s := range p.slots {
		if s.ep != nil {
			live = append(live, s.ep)
		}
	}
	p.mu.Unlock()

	for _, ep := range live {
		ep.Close(false)
	}

	<-done
}
