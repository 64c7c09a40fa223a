package scope

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/astro-web3/graph-gateway/internal/domain/store"
	"github.com/astro-web3/graph-gateway/pkg/logger"
)

const minReapInterval = time.Second

type PoolConfig struct {
	// MaxSize bounds the number of open sessions across all keys.
	MaxSize int
	// MaxIdlePerKey is how many released sessions are kept per key.
	// Zero closes every session on release.
	MaxIdlePerKey  int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
}

type Stats struct {
	Open      int
	InUse     int
	Idle      int
	Waiting   int
	Exhausted uint64
}

type Opener func(ctx context.Context) (store.Session, error)

type Closer func(ctx context.Context, session store.Session) error

type idleSession struct {
	session store.Session
	since   time.Time
}

// Pool bounds store sessions and keeps released ones idle under the key they
// were opened for. All accounting happens under mu.
type Pool struct {
	cfg   PoolConfig
	close Closer
	now   func() time.Time

	mu        sync.Mutex
	open      int
	inUse     int
	idle      map[string][]idleSession
	waiters   []chan struct{}
	closed    bool
	exhausted uint64

	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

func NewPool(cfg PoolConfig, closer Closer) (*Pool, error) {
	if cfg.MaxSize <= 0 {
		return nil, errors.New("pool max size must be positive")
	}
	if cfg.MaxIdlePerKey < 0 {
		return nil, errors.New("pool max idle per key must not be negative")
	}
	if closer == nil {
		return nil, errors.New("pool closer is required")
	}

	p := &Pool{
		cfg:   cfg,
		close: closer,
		now:   time.Now,
		idle:  map[string][]idleSession{},
	}

	if cfg.IdleTimeout > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		p.stopReaper = cancel
		p.reaperDone = make(chan struct{})
		go p.reapLoop(ctx, max(cfg.IdleTimeout/2, minReapInterval))
	}

	return p, nil
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := 0
	for _, list := range p.idle {
		idle += len(list)
	}
	return Stats{
		Open:      p.open,
		InUse:     p.inUse,
		Idle:      idle,
		Waiting:   len(p.waiters),
		Exhausted: p.exhausted,
	}
}

// acquire checks out a session for key, opening one with open when no idle
// session exists. It blocks up to AcquireTimeout when the pool is full.
func (p *Pool) acquire(ctx context.Context, key string, open Opener) (store.Session, error) {
	var timer *time.Timer
	var timeout <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		session, stale := p.takeIdleLocked(key)
		if session != nil {
			p.inUse++
			p.mu.Unlock()
			p.closeAll(ctx, stale)
			return session, nil
		}

		reserved := false
		if p.open < p.cfg.MaxSize {
			p.open++
			reserved = true
		} else if victim := p.reclaimLocked(); victim != nil {
			// The victim's slot is handed over; open stays the same.
			stale = append(stale, victim)
			reserved = true
		}

		if reserved {
			p.inUse++
			p.mu.Unlock()
			p.closeAll(ctx, stale)

			session, err := open(ctx)
			if err != nil {
				p.mu.Lock()
				p.open--
				p.inUse--
				p.wakeLocked()
				p.mu.Unlock()
				return nil, err
			}
			return session, nil
		}

		if p.cfg.AcquireTimeout <= 0 {
			p.exhausted++
			p.mu.Unlock()
			p.closeAll(ctx, stale)
			return nil, &Error{Kind: KindPoolExhausted, Message: "no free session"}
		}

		if timer == nil {
			timer = time.NewTimer(p.cfg.AcquireTimeout)
			timeout = timer.C
		}
		w := make(chan struct{})
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()
		p.closeAll(ctx, stale)

		select {
		case <-w:
			continue
		case <-timeout:
			p.abandonWait(w)
			p.mu.Lock()
			p.exhausted++
			p.mu.Unlock()
			return nil, &Error{Kind: KindPoolExhausted, Message: "timed out waiting for a free session"}
		case <-ctx.Done():
			p.abandonWait(w)
			return nil, ctx.Err()
		}
	}
}

// release returns a checked out session. With reuse false, or when the key
// already holds MaxIdlePerKey idle sessions, the session is closed.
func (p *Pool) release(ctx context.Context, key string, session store.Session, reuse bool) error {
	p.mu.Lock()
	p.inUse--
	if reuse && !p.closed && len(p.idle[key]) < p.cfg.MaxIdlePerKey {
		p.idle[key] = append(p.idle[key], idleSession{session: session, since: p.now()})
		p.wakeLocked()
		p.mu.Unlock()
		return nil
	}
	p.open--
	p.wakeLocked()
	p.mu.Unlock()

	return p.close(context.WithoutCancel(ctx), session)
}

// Reap closes sessions idle for longer than IdleTimeout.
func (p *Pool) Reap(ctx context.Context) int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}

	p.mu.Lock()
	cutoff := p.now().Add(-p.cfg.IdleTimeout)
	var stale []store.Session
	for key, list := range p.idle {
		kept := list[:0]
		for _, s := range list {
			if s.since.Before(cutoff) {
				stale = append(stale, s.session)
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
	p.open -= len(stale)
	for range stale {
		p.wakeLocked()
	}
	p.mu.Unlock()

	p.closeAll(ctx, stale)
	return len(stale)
}

// Close closes idle sessions and makes the pool reject new acquisitions.
// Sessions still checked out are closed when released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var all []store.Session
	for _, list := range p.idle {
		for _, s := range list {
			all = append(all, s.session)
		}
	}
	p.idle = map[string][]idleSession{}
	p.open -= len(all)
	for len(p.waiters) > 0 {
		p.wakeLocked()
	}
	p.mu.Unlock()

	if p.stopReaper != nil {
		p.stopReaper()
		<-p.reaperDone
	}

	p.closeAll(ctx, all)
	return nil
}

// takeIdleLocked pops the most recently released live session for key and
// drops the expired ones it passes over.
func (p *Pool) takeIdleLocked(key string) (store.Session, []store.Session) {
	list := p.idle[key]
	var stale []store.Session
	for len(list) > 0 {
		last := list[len(list)-1]
		list = list[:len(list)-1]
		if p.cfg.IdleTimeout > 0 && p.now().Sub(last.since) > p.cfg.IdleTimeout {
			stale = append(stale, last.session)
			p.open--
			continue
		}
		p.setIdleLocked(key, list)
		return last.session, stale
	}
	p.setIdleLocked(key, list)
	return nil, stale
}

// reclaimLocked removes the oldest idle session of any key.
func (p *Pool) reclaimLocked() store.Session {
	var oldestKey string
	var oldest *idleSession
	for key, list := range p.idle {
		if len(list) == 0 {
			continue
		}
		if oldest == nil || list[0].since.Before(oldest.since) {
			s := list[0]
			oldest = &s
			oldestKey = key
		}
	}
	if oldest == nil {
		return nil
	}
	p.setIdleLocked(oldestKey, p.idle[oldestKey][1:])
	return oldest.session
}

func (p *Pool) setIdleLocked(key string, list []idleSession) {
	if len(list) == 0 {
		delete(p.idle, key)
		return
	}
	p.idle[key] = list
}

func (p *Pool) wakeLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(w)
}

// abandonWait removes w from the queue. If w was already woken the wake-up is
// passed on so it is not lost.
func (p *Pool) abandonWait(w chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, candidate := range p.waiters {
		if candidate == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
	p.wakeLocked()
}

func (p *Pool) closeAll(ctx context.Context, sessions []store.Session) {
	ctx = context.WithoutCancel(ctx)
	for _, s := range sessions {
		if err := p.close(ctx, s); err != nil {
			logger.WarnContext(ctx, "failed to close store session",
				slog.String("principal", s.Principal()),
				logger.Err(err),
			)
		}
	}
}

func (p *Pool) reapLoop(ctx context.Context, interval time.Duration) {
	defer close(p.reaperDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.Reap(ctx); n > 0 {
				logger.DebugContext(ctx, "reaped idle store sessions", slog.Int("count", n))
			}
		}
	}
}
