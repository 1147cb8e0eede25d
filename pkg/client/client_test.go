package client

import (
	"context"
	"testing"
	"time"

	"github.com/cradlegames/keystone/pkg/catalog"
	"github.com/cradlegames/keystone/pkg/config"
	"github.com/cradlegames/keystone/pkg/idsource"
	"github.com/cradlegames/keystone/pkg/keyspace"
	"github.com/cradlegames/keystone/pkg/schema"
	"github.com/cradlegames/keystone/pkg/server"
	"github.com/cradlegames/keystone/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

func startServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.Workers = 2
	cfg.Server.Namespace = "game"
	cfg.Backends = map[string]config.Backend{
		"main": {Driver: "bolt", Path: t.TempDir()},
	}
	cfg.Metrics.Listen = ""

	backends, err := server.Backends(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.CloseBackends(backends) })

	account, login := server.Elevation("game", "login", "main")
	grant := &catalog.System{
		Name: "grant", Namespace: "game", Permission: types.PermEverybody,
		Components: []*schema.Component{hp},
		Func: func(ctx context.Context, inv catalog.Invocation) error {
			owner := int64(inv.Args()["owner"].(float64))
			value := int64(inv.Args()["value"].(float64))
			row, err := inv.Session().UpdateOrInsert(ctx, hp, owner, "owner")
			if err != nil {
				return err
			}
			if err := row.Set("value", value); err != nil {
				return err
			}
			if err := inv.Session().Update(row); err != nil {
				return err
			}
			inv.Emit(map[string]any{"id": row.ID()})
			return nil
		},
	}
	drop := &catalog.System{
		Name: "drop", Namespace: "game", Permission: types.PermEverybody,
		Components: []*schema.Component{hp},
		Func: func(ctx context.Context, inv catalog.Invocation) error {
			owner := int64(inv.Args()["owner"].(float64))
			row, err := inv.Session().Get(ctx, hp, owner, "owner")
			if err != nil {
				return err
			}
			if row == nil {
				return nil
			}
			return inv.Session().Delete(row)
		},
	}

	cat, err := catalog.NewBuilder().
		Component(hp).Component(account).
		System(grant).System(drop).System(login).
		Build(keyspace.NewManager(backends))
	require.NoError(t, err)
	require.NoError(t, cat.Install(context.Background()))

	srv := server.New(cfg, cat, &idsource.Counter{})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { require.NoError(t, srv.Stop()) })
	return srv
}

func connect(t *testing.T, srv *server.Server) *Client {
	t.Helper()
	c, err := Dial(srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitUpdate(t *testing.T, sub *Subscription) Update {
	t.Helper()
	select {
	case u, ok := <-sub.Updates:
		require.True(t, ok, "subscription ended: %v", sub.Err())
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return nil
	}
}

func TestCallRoundTrip(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)
	ctx := context.Background()

	payload, err := c.Call(ctx, "grant", map[string]any{"owner": 1, "value": 10})
	require.NoError(t, err)
	assert.NotZero(t, payload.(map[string]any)["id"])

	// A system with no emission responds null.
	payload, err = c.Call(ctx, "drop", map[string]any{"owner": 99})
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestCallServerError(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)

	_, err := c.Call(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeUnknownSystem, types.CodeOf(err))
}

func TestQuery(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)
	ctx := context.Background()

	for owner := 1; owner <= 3; owner++ {
		_, err := c.Call(ctx, "grant", map[string]any{"owner": owner, "value": owner * 10})
		require.NoError(t, err)
	}

	rows, err := c.Query(ctx, "HP", "owner", 1, 2, 0, false)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, float64(10), rows[0]["value"])
}

func TestSubscribeRowLifecycle(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)
	ctx := context.Background()

	_, err := c.Call(ctx, "grant", map[string]any{"owner": 1, "value": 10})
	require.NoError(t, err)

	sub, row, err := c.SubscribeRow(ctx, "HP", "owner", 1)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "HP.owner[1:None:1][:1]", sub.Fingerprint)
	require.NotNil(t, row)
	assert.Equal(t, float64(10), row["value"])

	// An update pushes the new values.
	_, err = c.Call(ctx, "grant", map[string]any{"owner": 1, "value": 7})
	require.NoError(t, err)
	update := waitUpdate(t, sub)
	require.Len(t, update, 1)
	for _, values := range update {
		assert.Equal(t, float64(7), values["value"])
	}

	// A deletion pushes a nil row.
	_, err = c.Call(ctx, "drop", map[string]any{"owner": 1})
	require.NoError(t, err)
	update = waitUpdate(t, sub)
	require.Len(t, update, 1)
	for _, values := range update {
		assert.Nil(t, values)
	}

	require.NoError(t, sub.Unsubscribe())
	_, ok := <-sub.Updates
	assert.False(t, ok, "channel closes on unsubscribe")
}

func TestSubscribeMissingRowHoldsNoHandle(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)

	sub, row, err := c.SubscribeRow(context.Background(), "HP", "owner", 404)
	require.NoError(t, err)
	assert.Nil(t, sub)
	assert.Nil(t, row)
}

func TestSubscribeRangeForce(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)
	ctx := context.Background()

	// Empty window without force: no handle.
	sub, rows, err := c.SubscribeRange(ctx, "HP", "owner", 1, 10, 0, false, false)
	require.NoError(t, err)
	assert.Nil(t, sub)
	assert.Empty(t, rows)

	// With force the handle watches for first insertion.
	sub, rows, err = c.SubscribeRange(ctx, "HP", "owner", 1, 10, 0, false, true)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Empty(t, rows)

	_, err = c.Call(ctx, "grant", map[string]any{"owner": 5, "value": 50})
	require.NoError(t, err)
	update := waitUpdate(t, sub)
	require.Len(t, update, 1)
	for _, values := range update {
		assert.Equal(t, float64(50), values["value"])
	}
}

func TestLoginElevates(t *testing.T) {
	srv := startServer(t)
	c := connect(t, srv)
	ctx := context.Background()

	payload, err := c.Call(ctx, "login", map[string]any{"name": "ada", "secret": "pw"})
	require.NoError(t, err)
	identity := payload.(map[string]any)["identity"].(float64)
	assert.NotZero(t, identity)

	// Wrong secret from a fresh connection.
	other := connect(t, srv)
	_, err = other.Call(ctx, "login", map[string]any{"name": "ada", "secret": "nope"})
	require.Error(t, err)
	assert.Equal(t, types.CodePermissionDenied, types.CodeOf(err))
}
