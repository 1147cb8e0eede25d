package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cradlegames/keystone/pkg/backend"
	"github.com/cradlegames/keystone/pkg/catalog"
	"github.com/cradlegames/keystone/pkg/idsource"
	"github.com/cradlegames/keystone/pkg/keyspace"
	"github.com/cradlegames/keystone/pkg/schema"
	"github.com/cradlegames/keystone/pkg/session"
	"github.com/cradlegames/keystone/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	caller types.Identity
	role   types.Permission

	queued   []any
	promoted bool
	identity types.Identity
	newRole  types.Permission
}

func (c *fakeConn) Caller() types.Identity   { return c.caller }
func (c *fakeConn) Role() types.Permission   { return c.role }
func (c *fakeConn) QueueResponse(p any)      { c.queued = append(c.queued, p) }
func (c *fakeConn) Promote(id types.Identity, role types.Permission) {
	c.promoted = true
	c.identity = id
	c.newRole = role
}

var hp = &schema.Component{
	Name:      "HP",
	Namespace: "game",
	Columns: []schema.Column{
		{Name: "owner", Type: schema.ColumnType{Kind: schema.Int64}, Unique: true},
		{Name: "value", Type: schema.ColumnType{Kind: schema.Int32}},
	},
	Permission:  types.PermEverybody,
	Persistence: types.Persistent,
	Backend:     "main",
}

type harness struct {
	cat *catalog.Catalog
	ids *idsource.Counter
}

func newHarness(t *testing.T, systems ...*catalog.System) *harness {
	t.Helper()
	be, err := backend.NewBoltBackend("main", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = be.Close() })

	b := catalog.NewBuilder().Component(hp)
	for _, sys := range systems {
		b.System(sys)
	}
	cat, err := b.Build(keyspace.NewManager(map[string]backend.Backend{"main": be}))
	require.NoError(t, err)
	require.NoError(t, cat.Install(context.Background()))
	return &harness{cat: cat, ids: &idsource.Counter{}}
}

func (h *harness) readHP(t *testing.T, owner int64) *session.Row {
	t.Helper()
	s := session.New(h.cat, h.ids, session.ReadOnly())
	row, err := s.Get(context.Background(), hp, owner, "owner")
	require.NoError(t, err)
	return row
}

func TestCallUnknownSystem(t *testing.T) {
	h := newHarness(t)
	e := New(h.cat, h.ids)
	err := e.Call(context.Background(), &fakeConn{role: types.PermEverybody}, "game", "ghost", nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeUnknownSystem, types.CodeOf(err))
}

func TestCallPermissionDenied(t *testing.T) {
	h := newHarness(t, &catalog.System{
		Name: "secure", Namespace: "game", Permission: types.PermUser,
		Components: []*schema.Component{hp},
		Func:       func(ctx context.Context, inv catalog.Invocation) error { return nil },
	})
	e := New(h.cat, h.ids)

	err := e.Call(context.Background(), &fakeConn{role: types.PermEverybody}, "game", "secure", nil)
	require.Error(t, err)
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(err))

	err = e.Call(context.Background(), &fakeConn{caller: 1, role: types.PermUser}, "game", "secure", nil)
	require.NoError(t, err)
}

func TestCallCommitsAndEmitsAfterward(t *testing.T) {
	h := newHarness(t, &catalog.System{
		Name: "grant", Namespace: "game", Permission: types.PermEverybody,
		Components: []*schema.Component{hp},
		Func: func(ctx context.Context, inv catalog.Invocation) error {
			row, err := inv.Session().Insert(ctx, hp, map[string]any{"owner": 1, "value": 10})
			if err != nil {
				return err
			}
			inv.Emit(map[string]any{"id": row.ID()})
			return nil
		},
	})
	e := New(h.cat, h.ids)
	conn := &fakeConn{caller: 1, role: types.PermUser}

	require.NoError(t, e.Call(context.Background(), conn, "game", "grant", nil))
	require.Len(t, conn.queued, 1)
	require.NotNil(t, h.readHP(t, 1))
}

func TestCallUserErrorAbortsWithoutRetry(t *testing.T) {
	attempts := 0
	h := newHarness(t, &catalog.System{
		Name: "fail", Namespace: "game", Permission: types.PermEverybody,
		Components: []*schema.Component{hp},
		Func: func(ctx context.Context, inv catalog.Invocation) error {
			attempts++
			if _, err := inv.Session().Insert(ctx, hp, map[string]any{"owner": 1}); err != nil {
				return err
			}
			inv.Emit("never delivered")
			return types.NewError(types.CodeLogicError, "nope")
		},
	})
	e := New(h.cat, h.ids)
	conn := &fakeConn{role: types.PermEverybody}

	err := e.Call(context.Background(), conn, "game", "fail", nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeLogicError, types.CodeOf(err))
	assert.Equal(t, 1, attempts, "user errors are not retried")
	assert.Empty(t, conn.queued)
	assert.Nil(t, h.readHP(t, 1), "aborted sessions leave no state")
}

func TestCallUniqueViolationNotRetried(t *testing.T) {
	attempts := 0
	h := newHarness(t, &catalog.System{
		Name: "dup", Namespace: "game", Permission: types.PermEverybody,
		Components: []*schema.Component{hp},
		Func: func(ctx context.Context, inv catalog.Invocation) error {
			attempts++
			_, err := inv.Session().Insert(ctx, hp, map[string]any{"owner": 1})
			return err
		},
	})
	e := New(h.cat, h.ids)

	require.NoError(t, e.Call(context.Background(), &fakeConn{role: types.PermEverybody}, "game", "dup", nil))
	err := e.Call(context.Background(), &fakeConn{role: types.PermEverybody}, "game", "dup", nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeUniqueViolation, types.CodeOf(err))
	assert.Equal(t, 2, attempts)
}

func TestCallRetriesRacedCommit(t *testing.T) {
	var h *harness
	raced := false
	h = newHarness(t, &catalog.System{
		Name: "bump", Namespace: "game", Permission: types.PermEverybody,
		Components: []*schema.Component{hp},
		Func: func(ctx context.Context, inv catalog.Invocation) error {
			row, err := inv.Session().Get(ctx, hp, int64(1), "owner")
			if err != nil {
				return err
			}
			if !raced {
				// Concurrent writer bumps the row between our read and
				// commit; only on the first attempt.
				raced = true
				other := session.New(h.cat, h.ids)
				victim, err := other.Get(ctx, hp, int64(1), "owner")
				if err != nil {
					return err
				}
				if err := victim.Set("value", 50); err != nil {
					return err
				}
				if err := other.Update(victim); err != nil {
					return err
				}
				if err := other.Commit(ctx); err != nil {
					return err
				}
			}
			if err := row.Set("value", int64(row.Get("value").(int64))+1); err != nil {
				return err
			}
			return inv.Session().Update(row)
		},
	})

	seed := session.New(h.cat, h.ids)
	_, err := seed.Insert(context.Background(), hp, map[string]any{"owner": 1, "value": 10})
	require.NoError(t, err)
	require.NoError(t, seed.Commit(context.Background()))

	e := New(h.cat, h.ids)
	require.NoError(t, e.Call(context.Background(), &fakeConn{role: types.PermEverybody}, "game", "bump", nil))

	// First attempt raced; the retry read the concurrent value 50.
	row := h.readHP(t, 1)
	require.NotNil(t, row)
	assert.Equal(t, int64(51), row.Get("value"))
}

func TestCallRaceExhausted(t *testing.T) {
	var h *harness
	h = newHarness(t, &catalog.System{
		Name: "doomed", Namespace: "game", Permission: types.PermEverybody,
		Components: []*schema.Component{hp},
		Func: func(ctx context.Context, inv catalog.Invocation) error {
			row, err := inv.Session().Get(ctx, hp, int64(1), "owner")
			if err != nil {
				return err
			}
			// Every attempt loses to a concurrent writer.
			other := session.New(h.cat, h.ids)
			victim, err := other.Get(ctx, hp, int64(1), "owner")
			if err != nil {
				return err
			}
			if err := victim.Set("value", int64(victim.Get("value").(int64))+1); err != nil {
				return err
			}
			if err := other.Update(victim); err != nil {
				return err
			}
			if err := other.Commit(ctx); err != nil {
				return err
			}
			if err := row.Set("value", 0); err != nil {
				return err
			}
			return inv.Session().Update(row)
		},
	})

	seed := session.New(h.cat, h.ids)
	_, err := seed.Insert(context.Background(), hp, map[string]any{"owner": 1, "value": 10})
	require.NoError(t, err)
	require.NoError(t, seed.Commit(context.Background()))

	e := New(h.cat, h.ids, WithRetryBudget(100*time.Millisecond))
	err = e.Call(context.Background(), &fakeConn{role: types.PermEverybody}, "game", "doomed", nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeRaceExhausted, types.CodeOf(err))
	assert.Equal(t, types.ClassResource, types.CodeOf(err).Class())
}

func TestCallBaseSharesSession(t *testing.T) {
	h := newHarness(t,
		&catalog.System{
			Name: "give_hp", Namespace: "game", Permission: types.PermEverybody,
			Components: []*schema.Component{hp},
			Func: func(ctx context.Context, inv catalog.Invocation) error {
				_, err := inv.Session().Insert(ctx, hp, map[string]any{"owner": 1, "value": 10})
				return err
			},
		},
		&catalog.System{
			Name: "spawn", Namespace: "game", Permission: types.PermEverybody,
			Components: []*schema.Component{hp},
			Bases:      []string{"give_hp"},
			Func: func(ctx context.Context, inv catalog.Invocation) error {
				if err := inv.CallBase(ctx, "give_hp", nil); err != nil {
					return err
				}
				// The base's insert is visible in the shared session.
				row, err := inv.Session().Get(ctx, hp, int64(1), "owner")
				if err != nil {
					return err
				}
				if row == nil {
					return errors.New("base write not visible")
				}
				return row.Set("value", 20)
			},
		},
	)
	e := New(h.cat, h.ids)
	require.NoError(t, e.Call(context.Background(), &fakeConn{role: types.PermEverybody}, "game", "spawn", nil))
}

func TestCallBaseUndeclared(t *testing.T) {
	h := newHarness(t,
		&catalog.System{
			Name: "helper", Namespace: "game", Permission: types.PermEverybody,
			Func: func(ctx context.Context, inv catalog.Invocation) error { return nil },
		},
		&catalog.System{
			Name: "sneaky", Namespace: "game", Permission: types.PermEverybody,
			Func: func(ctx context.Context, inv catalog.Invocation) error {
				return inv.CallBase(ctx, "helper", nil)
			},
		},
	)
	e := New(h.cat, h.ids)
	err := e.Call(context.Background(), &fakeConn{role: types.PermEverybody}, "game", "sneaky", nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeLogicError, types.CodeOf(err))
}

func TestCallElevationAppliesAfterCommit(t *testing.T) {
	h := newHarness(t, &catalog.System{
		Name: "login", Namespace: "game", Permission: types.PermEverybody,
		Components: []*schema.Component{hp},
		Func: func(ctx context.Context, inv catalog.Invocation) error {
			inv.Elevate(types.Identity(42), types.PermUser)
			return nil
		},
	})
	e := New(h.cat, h.ids)
	conn := &fakeConn{role: types.PermEverybody}

	require.NoError(t, e.Call(context.Background(), conn, "game", "login", nil))
	assert.True(t, conn.promoted)
	assert.Equal(t, types.Identity(42), conn.identity)
	assert.Equal(t, types.PermUser, conn.newRole)
}
