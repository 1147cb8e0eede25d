package gate

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cradlegames/keystone/pkg/broker"
	"github.com/cradlegames/keystone/pkg/catalog"
	"github.com/cradlegames/keystone/pkg/executor"
	"github.com/cradlegames/keystone/pkg/log"
	"github.com/cradlegames/keystone/pkg/metrics"
	"github.com/cradlegames/keystone/pkg/session"
	"github.com/cradlegames/keystone/pkg/types"
)

// RateBudget is one sliding-window message allowance. A connection's
// traffic must satisfy every configured budget simultaneously.
type RateBudget struct {
	Max    int
	Window time.Duration
}

// Config is the connection-policy surface of one listener.
type Config struct {
	// Namespace scopes system and component names on this listener.
	Namespace string

	// IdleTimeout closes connections with no RPC inside the window.
	IdleTimeout time.Duration

	// MaxAnonymousPerIP caps concurrent anonymous connections per
	// remote address. Zero disables the cap.
	MaxAnonymousPerIP int

	// Rate budgets, by connection tier. Elevation moves a connection
	// from the anonymous budgets to the user budgets; its traffic
	// history carries over.
	AnonRecv []RateBudget
	AnonSend []RateBudget
	UserRecv []RateBudget
	UserSend []RateBudget

	// Subscription budgets per connection.
	RowSubBudget   int
	RangeSubBudget int

	// OutboundQueue bounds the per-connection send queue.
	OutboundQueue int
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 128
	}
	return c
}

// Gate owns connection policy: identity, rate budgets, subscription
// budgets, anonymous-per-IP accounting, and wire dispatch.
type Gate struct {
	cfg  Config
	exec *executor.Executor
	brk  *broker.Broker
	cat  *catalog.Catalog
	ids  session.IDSource

	mu        sync.Mutex
	anonPerIP map[string]int
}

// New builds a gate.
func New(cfg Config, exec *executor.Executor, brk *broker.Broker, cat *catalog.Catalog, ids session.IDSource) *Gate {
	return &Gate{
		cfg:       cfg.withDefaults(),
		exec:      exec,
		brk:       brk,
		cat:       cat,
		ids:       ids,
		anonPerIP: make(map[string]int),
	}
}

// Accept admits a new anonymous connection from the given remote IP, or
// rejects it when the per-IP anonymous cap is reached.
func (g *Gate) Accept(remoteIP string) (*Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.MaxAnonymousPerIP > 0 && g.anonPerIP[remoteIP] >= g.cfg.MaxAnonymousPerIP {
		return nil, types.Errorf(types.CodeRateLimited,
			"too many anonymous connections from %s", remoteIP)
	}
	g.anonPerIP[remoteIP]++

	c := &Conn{
		id:       uuid.New().String(),
		remoteIP: remoteIP,
		gate:     g,
		identity: types.Anonymous,
		role:     types.PermEverybody,
		recv:     newRateLimiter(g.cfg.AnonRecv),
		send:     newRateLimiter(g.cfg.AnonSend),
		outbound: make(chan []byte, g.cfg.OutboundQueue),
		closed:   make(chan struct{}),
		subByID:  make(map[uint64]string),
		subByFP:  make(map[string]uint64),
		lastRPC:  time.Now(),
	}
	metrics.ConnectionsActive.Inc()
	logger := log.WithConn(c.id)
	logger.Debug().Str("remote", remoteIP).Msg("connection admitted")
	return c, nil
}

// release undoes a connection's per-IP accounting; anonymous conns are
// still counted, elevated ones already released their slot.
func (g *Gate) release(c *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c.countedAnon() {
		g.anonPerIP[c.remoteIP]--
		if g.anonPerIP[c.remoteIP] <= 0 {
			delete(g.anonPerIP, c.remoteIP)
		}
	}
}

// releaseAnonSlot frees the anonymous per-IP slot when a connection
// elevates mid-stream.
func (g *Gate) releaseAnonSlot(remoteIP string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.anonPerIP[remoteIP]--
	if g.anonPerIP[remoteIP] <= 0 {
		delete(g.anonPerIP, remoteIP)
	}
}

// rateLimiter checks a set of sliding-window budgets over one shared
// event history, so budget swaps on elevation keep the history.
type rateLimiter struct {
	budgets []RateBudget
	events  []time.Time
}

func newRateLimiter(budgets []RateBudget) *rateLimiter {
	return &rateLimiter{budgets: budgets}
}

func (r *rateLimiter) setBudgets(budgets []RateBudget) {
	r.budgets = budgets
}

// allow records one event if every budget admits it.
func (r *rateLimiter) allow(now time.Time) bool {
	if len(r.budgets) == 0 {
		r.events = nil
		return true
	}

	var widest time.Duration
	for _, b := range r.budgets {
		if b.Window > widest {
			widest = b.Window
		}
	}
	cutoff := now.Add(-widest)
	kept := r.events[:0]
	for _, ts := range r.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.events = kept

	for _, b := range r.budgets {
		n := 0
		since := now.Add(-b.Window)
		for _, ts := range r.events {
			if ts.After(since) {
				n++
			}
		}
		if n >= b.Max {
			return false
		}
	}
	r.events = append(r.events, now)
	return true
}
