package sessions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"lv-tradehook/internal/metrics"
	"lv-tradehook/internal/venue"

	"go.uber.org/zap"
)

var (
	ErrConstruct  = errors.New("venue client construction failed")
	ErrPoolClosed = errors.New("session pool closed")
)

// Factory builds venue clients. *venue.Registry implements it.
type Factory interface {
	Lookup(id string) (venue.Entry, error)
	New(id string, creds venue.Credentials) (venue.Client, error)
}

type Options struct {
	// MaxIdle bounds idle sessions kept per credential key.
	MaxIdle int
	// IdleTTL closes sessions idle for longer; zero keeps them forever.
	IdleTTL time.Duration
	// Defaults substituted when a request leaves them empty.
	DefaultVenue  string
	DefaultAPIKey string
	DefaultSecret string
}

type key struct {
	venue  string
	apiKey string
	secret string
}

// Session is a venue client on loan from the pool. It must be used by one
// execution at a time and returned with Release.
type Session struct {
	key      key
	client   venue.Client
	markets  venue.Markets
	lastUsed time.Time
	pooled   bool
}

func (s *Session) Venue() string        { return s.key.venue }
func (s *Session) Client() venue.Client { return s.client }

// Markets loads the venue's markets on first use and caches them for the
// session's lifetime.
func (s *Session) Markets(ctx context.Context) (venue.Markets, error) {
	if s.markets != nil {
		return s.markets, nil
	}
	m, err := s.client.LoadMarkets(ctx)
	if err != nil {
		return nil, err
	}
	s.markets = m
	return m, nil
}

type Pool struct {
	factory Factory
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	idle   map[key]chan *Session
	closed bool
}

func NewPool(factory Factory, opts Options, log *zap.Logger, m *metrics.Metrics) *Pool {
	if opts.MaxIdle < 1 {
		opts.MaxIdle = 5
	}
	return &Pool{
		factory: factory,
		opts:    opts,
		log:     log,
		metrics: m,
		now:     time.Now,
		idle:    make(map[key]chan *Session),
	}
}

// Acquire returns an idle session for the exact credential key or builds a new
// one. Construction happens outside the pool lock.
func (p *Pool) Acquire(ctx context.Context, venueID, apiKey, secret string) (*Session, error) {
	k := key{venue: strings.ToLower(strings.TrimSpace(venueID)), apiKey: apiKey, secret: secret}
	if k.venue == "" {
		k.venue = strings.ToLower(p.opts.DefaultVenue)
	}
	if k.apiKey == "" {
		k.apiKey = p.opts.DefaultAPIKey
	}
	if k.secret == "" {
		k.secret = p.opts.DefaultSecret
	}
	if _, err := p.factory.Lookup(k.venue); err != nil {
		return nil, err
	}
	if k.apiKey == "" || k.secret == "" {
		return nil, venue.ErrMissingCredentials
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s, stale, err := p.popIdle(k)
	p.closeAll(stale)
	if err != nil {
		return nil, err
	}
	if s != nil {
		p.metrics.Session(k.venue, "reused")
		return s, nil
	}

	client, err := p.factory.New(k.venue, venue.Credentials{APIKey: k.apiKey, Secret: k.secret})
	if err != nil {
		if errors.Is(err, venue.ErrUnsupportedVenue) || errors.Is(err, venue.ErrMissingCredentials) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConstruct, k.venue, err)
	}
	p.metrics.Session(k.venue, "created")
	p.log.Debug("venue session created", zap.String("venue", k.venue))
	return &Session{key: k, client: client, lastUsed: p.now(), pooled: true}, nil
}

func (p *Pool) popIdle(k key) (*Session, []*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, ErrPoolClosed
	}
	q := p.idle[k]
	if q == nil {
		return nil, nil, nil
	}
	var stale []*Session
	now := p.now()
	for {
		select {
		case s := <-q:
			if p.expired(s, now) {
				stale = append(stale, s)
				continue
			}
			s.lastUsed = now
			p.metrics.IdleSessions(p.idleCountLocked())
			return s, stale, nil
		default:
			p.metrics.IdleSessions(p.idleCountLocked())
			return nil, stale, nil
		}
	}
}

// Release returns s to its key's idle queue, or closes it when the queue is
// full, the pool is closed, or s was not issued by the pool.
func (p *Pool) Release(s *Session) {
	if s == nil {
		return
	}
	if !s.pooled {
		p.closeSession(s)
		return
	}
	s.lastUsed = p.now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeSession(s)
		return
	}
	q := p.idle[s.key]
	if q == nil {
		q = make(chan *Session, p.opts.MaxIdle)
		p.idle[s.key] = q
	}
	select {
	case q <- s:
		p.metrics.IdleSessions(p.idleCountLocked())
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		p.closeSession(s)
	}
}

func (p *Pool) expired(s *Session, now time.Time) bool {
	return p.opts.IdleTTL > 0 && now.Sub(s.lastUsed) > p.opts.IdleTTL
}

// Sweep closes every idle session past IdleTTL.
func (p *Pool) Sweep() int {
	p.mu.Lock()
	now := p.now()
	var stale []*Session
	for k, q := range p.idle {
		n := len(q)
		for i := 0; i < n; i++ {
			s := <-q
			if p.expired(s, now) {
				stale = append(stale, s)
				continue
			}
			q <- s
		}
		if len(q) == 0 {
			delete(p.idle, k)
		}
	}
	p.metrics.IdleSessions(p.idleCountLocked())
	p.mu.Unlock()
	p.closeAll(stale)
	return len(stale)
}

// Run sweeps periodically until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	if p.opts.IdleTTL <= 0 {
		return
	}
	every := p.opts.IdleTTL / 2
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := p.Sweep(); n > 0 {
				p.log.Info("closed idle venue sessions", zap.Int("count", n))
			}
		}
	}
}

// Close closes all idle sessions. Sessions on loan are closed when released.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	var all []*Session
	for k, q := range p.idle {
		for len(q) > 0 {
			all = append(all, <-q)
		}
		delete(p.idle, k)
	}
	p.metrics.IdleSessions(0)
	p.mu.Unlock()
	p.closeAll(all)
}

func (p *Pool) closeAll(ss []*Session) {
	for _, s := range ss {
		p.closeSession(s)
	}
}

func (p *Pool) closeSession(s *Session) {
	if err := s.client.Close(); err != nil {
		p.log.Warn("close venue session", zap.String("venue", s.key.venue), zap.Error(err))
	}
	p.metrics.Session(s.key.venue, "closed")
}

func (p *Pool) idleCountLocked() int {
	n := 0
	for _, q := range p.idle {
		n += len(q)
	}
	return n
}

type KeyStats struct {
	Venue  string `json:"venue"`
	APIKey string `json:"api_key"`
	Idle   int    `json:"idle"`
}

// Stats reports idle sessions per key. API keys are masked.
func (p *Pool) Stats() []KeyStats {
	p.mu.Lock()
	out := make([]KeyStats, 0, len(p.idle))
	for k, q := range p.idle {
		out = append(out, KeyStats{Venue: k.venue, APIKey: mask(k.apiKey), Idle: len(q)})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].APIKey < out[j].APIKey
	})
	return out
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
