package catalog

import (
	"context"
	"testing"

	"github.com/cradlegames/keystone/pkg/backend"
	"github.com/cradlegames/keystone/pkg/keyspace"
	"github.com/cradlegames/keystone/pkg/schema"
	"github.com/cradlegames/keystone/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func component(name, backendName string) *schema.Component {
	return &schema.Component{
		Name:      name,
		Namespace: "game",
		Columns: []schema.Column{
			{Name: "owner", Type: schema.ColumnType{Kind: schema.Int64}, Index: true},
		},
		Permission:  types.PermEverybody,
		Persistence: types.Persistent,
		Backend:     backendName,
	}
}

func noop(ctx context.Context, inv Invocation) error { return nil }

func testManager(t *testing.T, names ...string) *keyspace.Manager {
	t.Helper()
	backends := make(map[string]backend.Backend, len(names))
	for _, name := range names {
		be, err := backend.NewBoltBackend(name, t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = be.Close() })
		backends[name] = be
	}
	return keyspace.NewManager(backends)
}

func TestClusterPlanSharedComponent(t *testing.T) {
	a, b, c := component("A", "main"), component("B", "main"), component("C", "main")

	cat, err := NewBuilder().
		Component(a).Component(b).Component(c).
		System(&System{Name: "s1", Namespace: "game", Permission: types.PermEverybody,
			Components: []*schema.Component{a, b}, Func: noop}).
		System(&System{Name: "s2", Namespace: "game", Permission: types.PermEverybody,
			Components: []*schema.Component{c}, Func: noop}).
		Build(testManager(t, "main"))
	require.NoError(t, err)

	assert.Equal(t, cat.ClusterOf(a), cat.ClusterOf(b), "shared system co-locates components")
	assert.NotEqual(t, cat.ClusterOf(a), cat.ClusterOf(c))
	assert.Equal(t, 2, cat.Clusters())
}

func TestClusterPlanTransitive(t *testing.T) {
	a, b, c := component("A", "main"), component("B", "main"), component("C", "main")

	// s1 shares B with s2; A, B, C all land in one cluster.
	cat, err := NewBuilder().
		Component(a).Component(b).Component(c).
		System(&System{Name: "s1", Namespace: "game", Permission: types.PermEverybody,
			Components: []*schema.Component{a, b}, Func: noop}).
		System(&System{Name: "s2", Namespace: "game", Permission: types.PermEverybody,
			Components: []*schema.Component{b, c}, Func: noop}).
		Build(testManager(t, "main"))
	require.NoError(t, err)

	assert.Equal(t, cat.ClusterOf(a), cat.ClusterOf(c))
	assert.Equal(t, 1, cat.Clusters())
}

func TestClusterPlanBaseJoins(t *testing.T) {
	a, b := component("A", "main"), component("B", "main")

	cat, err := NewBuilder().
		Component(a).Component(b).
		System(&System{Name: "helper", Namespace: "game", Permission: types.PermEverybody,
			Components: []*schema.Component{b}, Func: noop}).
		System(&System{Name: "s1", Namespace: "game", Permission: types.PermEverybody,
			Components: []*schema.Component{a}, Bases: []string{"helper"}, Func: noop}).
		Build(testManager(t, "main"))
	require.NoError(t, err)

	assert.Equal(t, cat.ClusterOf(a), cat.ClusterOf(b), "base systems run in the caller's transaction")
}

func TestClusterIDsAreStable(t *testing.T) {
	build := func(t *testing.T) *Catalog {
		a, b := component("A", "main"), component("B", "main")
		cat, err := NewBuilder().
			Component(a).Component(b).
			System(&System{Name: "s1", Namespace: "game", Permission: types.PermEverybody,
				Components: []*schema.Component{b}, Func: noop}).
			System(&System{Name: "s2", Namespace: "game", Permission: types.PermEverybody,
				Components: []*schema.Component{a}, Func: noop}).
			Build(testManager(t, "main"))
		require.NoError(t, err)
		return cat
	}

	first, second := build(t), build(t)
	a := component("A", "main")
	b := component("B", "main")
	assert.Equal(t, first.ClusterOf(a), second.ClusterOf(a))
	assert.Equal(t, first.ClusterOf(b), second.ClusterOf(b))
}

func TestCrossBackendClusterIsFatal(t *testing.T) {
	a, b := component("A", "main"), component("B", "other")

	_, err := NewBuilder().
		Component(a).Component(b).
		System(&System{Name: "s1", Namespace: "game", Permission: types.PermEverybody,
			Components: []*schema.Component{a, b}, Func: noop}).
		Build(testManager(t, "main", "other"))
	require.Error(t, err)
	assert.Equal(t, types.CodeCrossBackendCluster, types.CodeOf(err))
}

func TestSeparateBackendsSeparateClustersOK(t *testing.T) {
	a, b := component("A", "main"), component("B", "other")

	cat, err := NewBuilder().
		Component(a).Component(b).
		System(&System{Name: "s1", Namespace: "game", Permission: types.PermEverybody,
			Components: []*schema.Component{a}, Func: noop}).
		System(&System{Name: "s2", Namespace: "game", Permission: types.PermEverybody,
			Components: []*schema.Component{b}, Func: noop}).
		Build(testManager(t, "main", "other"))
	require.NoError(t, err)
	assert.NotEqual(t, cat.ComponentBackend(a).Name(), cat.ComponentBackend(b).Name())
}

func TestBuildRejectsBadRegistrations(t *testing.T) {
	a := component("A", "main")
	m := testManager(t, "main")

	t.Run("unregistered component", func(t *testing.T) {
		_, err := NewBuilder().
			System(&System{Name: "s1", Namespace: "game", Permission: types.PermEverybody,
				Components: []*schema.Component{a}, Func: noop}).
			Build(m)
		require.Error(t, err)
		assert.Equal(t, types.CodeSchemaConflict, types.CodeOf(err))
	})

	t.Run("unknown base", func(t *testing.T) {
		_, err := NewBuilder().
			Component(a).
			System(&System{Name: "s1", Namespace: "game", Permission: types.PermEverybody,
				Components: []*schema.Component{a}, Bases: []string{"ghost"}, Func: noop}).
			Build(m)
		require.Error(t, err)
		assert.Equal(t, types.CodeSchemaConflict, types.CodeOf(err))
	})

	t.Run("duplicate system", func(t *testing.T) {
		_, err := NewBuilder().
			Component(a).
			System(&System{Name: "s1", Namespace: "game", Permission: types.PermEverybody, Func: noop}).
			System(&System{Name: "s1", Namespace: "game", Permission: types.PermEverybody, Func: noop}).
			Build(m)
		require.Error(t, err)
	})

	t.Run("missing handler", func(t *testing.T) {
		_, err := NewBuilder().
			Component(a).
			System(&System{Name: "s1", Namespace: "game", Permission: types.PermEverybody}).
			Build(m)
		require.Error(t, err)
	})

	t.Run("conflicting component definitions", func(t *testing.T) {
		other := component("A", "main")
		other.Columns = append(other.Columns, schema.Column{
			Name: "extra", Type: schema.ColumnType{Kind: schema.Int32},
		})
		_, err := NewBuilder().Component(a).Component(other).Build(m)
		require.Error(t, err)
		assert.Equal(t, types.CodeSchemaConflict, types.CodeOf(err))
	})
}

func TestInstallWritesDescriptors(t *testing.T) {
	a := component("A", "main")
	m := testManager(t, "main")

	cat, err := NewBuilder().
		Component(a).
		System(&System{Name: "s1", Namespace: "game", Permission: types.PermEverybody,
			Components: []*schema.Component{a}, Func: noop}).
		Build(m)
	require.NoError(t, err)
	require.NoError(t, cat.Install(context.Background()))

	be := cat.ComponentBackend(a)
	row, err := be.GetRow(context.Background(), cat.Layout(a).SchemaKey())
	require.NoError(t, err)
	assert.NotNil(t, row)
}

func TestSystemLookup(t *testing.T) {
	a := component("A", "main")
	cat, err := NewBuilder().
		Component(a).
		System(&System{Name: "move", Namespace: "game", Permission: types.PermUser,
			Components: []*schema.Component{a}, Func: noop}).
		Build(testManager(t, "main"))
	require.NoError(t, err)

	sys, ok := cat.System("game", "move")
	require.True(t, ok)
	assert.Equal(t, types.PermUser, sys.Permission)

	_, ok = cat.System("game", "missing")
	assert.False(t, ok)

	_, ok = cat.System("other", "move")
	assert.False(t, ok, "system names scope to their namespace")
}
