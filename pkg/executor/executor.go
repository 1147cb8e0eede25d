package executor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cradlegames/keystone/pkg/catalog"
	"github.com/cradlegames/keystone/pkg/log"
	"github.com/cradlegames/keystone/pkg/metrics"
	"github.com/cradlegames/keystone/pkg/session"
	"github.com/cradlegames/keystone/pkg/types"
)

// Conn is the executor's view of a client connection: who is calling,
// and where to queue post-commit effects. The gate implements it.
type Conn interface {
	Caller() types.Identity
	Role() types.Permission
	// QueueResponse delivers a client-visible payload. Called only after
	// the invocation's transaction has committed.
	QueueResponse(payload any)
	// Promote elevates the connection's identity and role. Called only
	// after commit.
	Promote(identity types.Identity, role types.Permission)
}

const (
	defaultRetryBudget     = 2 * time.Second
	defaultInitialInterval = 5 * time.Millisecond
	defaultMaxInterval     = 250 * time.Millisecond
)

// Executor dispatches RPCs to registered systems, wrapping each call in
// a transactional session with bounded optimistic-concurrency retry.
type Executor struct {
	cat         *catalog.Catalog
	ids         session.IDSource
	retryBudget time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithRetryBudget bounds the wall-clock time spent retrying raced
// commits before the call fails with RaceExhausted.
func WithRetryBudget(d time.Duration) Option {
	return func(e *Executor) { e.retryBudget = d }
}

// New builds an executor over a sealed catalog.
func New(cat *catalog.Catalog, ids session.IDSource, opts ...Option) *Executor {
	e := &Executor{cat: cat, ids: ids, retryBudget: defaultRetryBudget}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Call resolves and runs the named system for the connection. Raced
// commits retry transparently with exponential backoff and jitter until
// the budget is spent; every other failure is terminal for the call.
// Client-visible responses and permission elevation apply only after the
// commit succeeds.
func (e *Executor) Call(ctx context.Context, conn Conn, namespace, name string, args map[string]any) error {
	timer := metrics.NewTimer()
	logger := log.WithSystem(namespace + "/" + name)

	sys, ok := e.cat.System(namespace, name)
	if !ok {
		metrics.RPCTotal.WithLabelValues(name, string(types.CodeUnknownSystem)).Inc()
		return types.Errorf(types.CodeUnknownSystem, "no system %q in namespace %q", name, namespace)
	}
	if !sys.Permission.Allows(conn.Role()) {
		metrics.RPCTotal.WithLabelValues(name, string(types.CodePermissionDenied)).Inc()
		return types.Errorf(types.CodePermissionDenied,
			"system %q requires %s", name, sys.Permission)
	}

	logger.Debug().
		Uint64("caller", uint64(conn.Caller())).
		Interface("args", args).
		Msg("rpc replay")

	var (
		retries int
		final   *invocation
	)

	attempt := func() error {
		sess := session.New(e.cat, e.ids, session.WithCaller(conn.Caller()))
		inv := &invocation{
			sys:    sys,
			sess:   sess,
			caller: conn.Caller(),
			args:   args,
		}
		if err := sys.Func(ctx, inv); err != nil {
			sess.Abort()
			return backoff.Permanent(err)
		}
		err := sess.Commit(ctx)
		switch {
		case err == nil:
			final = inv
			return nil
		case errors.Is(err, session.ErrRace):
			retries++
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = defaultInitialInterval
	policy.MaxInterval = defaultMaxInterval
	policy.MaxElapsedTime = e.retryBudget

	err := backoff.Retry(attempt, backoff.WithContext(policy, ctx))
	if errors.Is(err, session.ErrRace) {
		err = types.Errorf(types.CodeRaceExhausted,
			"commit raced %d times within %s", retries, e.retryBudget)
	}

	outcome := "ok"
	if err != nil {
		outcome = string(types.CodeOf(err))
	}
	metrics.RPCTotal.WithLabelValues(name, outcome).Inc()
	metrics.RPCRetries.Observe(float64(retries))
	timer.ObserveDurationVec(metrics.RPCDuration, name)

	logger.Info().
		Uint64("caller", uint64(conn.Caller())).
		Int("retries", retries).
		Str("outcome", outcome).
		Dur("duration", timer.Duration()).
		Msg("rpc")

	if err != nil {
		return err
	}

	// Post-commit effects, in order: elevation first so queued responses
	// go out under the new role.
	if final.elevated {
		conn.Promote(final.identity, final.role)
	}
	for _, payload := range final.emits {
		conn.QueueResponse(payload)
	}
	return nil
}

// invocation is the per-attempt call context handed to system logic.
// Emissions and elevation buffer here so a raced attempt leaves no
// client-visible trace.
type invocation struct {
	sys    *catalog.System
	sess   *session.Session
	caller types.Identity
	args   map[string]any

	emits    []any
	elevated bool
	identity types.Identity
	role     types.Permission
}

func (i *invocation) Session() *session.Session { return i.sess }
func (i *invocation) Caller() types.Identity    { return i.caller }
func (i *invocation) Args() map[string]any      { return i.args }

func (i *invocation) Emit(payload any) {
	i.emits = append(i.emits, payload)
}

func (i *invocation) Elevate(identity types.Identity, role types.Permission) {
	i.elevated = true
	i.identity = identity
	i.role = role
}

// CallBase runs a declared base system in the same session. Not a nested
// transaction: the base's writes commit or abort with the caller's.
func (i *invocation) CallBase(ctx context.Context, name string, args map[string]any) error {
	declared := false
	for _, base := range i.sys.Bases {
		if base == name {
			declared = true
			break
		}
	}
	if !declared {
		return types.Errorf(types.CodeLogicError,
			"system %q does not declare base %q", i.sys.Name, name)
	}
	// Resolution was checked at catalog build time.
	base, _ := i.sys.BaseSystem(name)
	child := &invocation{
		sys:    base,
		sess:   i.sess,
		caller: i.caller,
		args:   args,
	}
	if err := base.Func(ctx, child); err != nil {
		return err
	}
	i.emits = append(i.emits, child.emits...)
	if child.elevated {
		i.elevated = true
		i.identity = child.identity
		i.role = child.role
	}
	return nil
}
