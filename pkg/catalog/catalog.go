package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/cradlegames/keystone/pkg/backend"
	"github.com/cradlegames/keystone/pkg/keyspace"
	"github.com/cradlegames/keystone/pkg/log"
	"github.com/cradlegames/keystone/pkg/schema"
	"github.com/cradlegames/keystone/pkg/session"
	"github.com/cradlegames/keystone/pkg/types"
)

// Invocation is the call context handed to system logic. It carries the
// transactional session, the caller identity, and the helpers a system
// may use while its transaction is open.
type Invocation interface {
	// Session is the transaction the system runs in. Base systems share it.
	Session() *session.Session
	// Caller is the connection's authenticated identity.
	Caller() types.Identity
	// Args are the raw RPC arguments.
	Args() map[string]any
	// Emit queues a client-visible response. It is delivered only after
	// the transaction commits.
	Emit(payload any)
	// Elevate promotes the connection to the given identity and role.
	// Takes effect only after the transaction commits.
	Elevate(identity types.Identity, role types.Permission)
	// CallBase runs a base system's logic within the same session.
	CallBase(ctx context.Context, name string, args map[string]any) error
}

// HandlerFunc is the signature of system logic.
type HandlerFunc func(ctx context.Context, inv Invocation) error

// System is one registered server-side transactional function.
type System struct {
	Name       string
	Namespace  string
	Permission types.Permission

	// Components is the set of tables the system may touch. Any two
	// systems sharing a component land in the same cluster.
	Components []*schema.Component

	// Bases are systems callable as helpers within the same transaction.
	// Their components join this system's cluster.
	Bases []string

	Func HandlerFunc

	// resolved base systems, filled in by Build.
	bases map[string]*System
}

func (s *System) key() string { return s.Namespace + "/" + s.Name }

// BaseSystem resolves a declared base by name. Only names listed in
// Bases resolve; Build guarantees they exist.
func (s *System) BaseSystem(name string) (*System, bool) {
	base, ok := s.bases[name]
	return base, ok
}

func compKey(comp *schema.Component) string {
	return comp.Namespace + "/" + comp.Name
}

// Builder accumulates component and system registrations. Build seals
// them into an immutable Catalog; registration errors surface there.
type Builder struct {
	registry *schema.Registry
	systems  []*System
	errs     []error
}

func NewBuilder() *Builder {
	return &Builder{registry: schema.NewRegistry()}
}

// Component registers a component definition.
func (b *Builder) Component(comp *schema.Component) *Builder {
	if err := b.registry.Register(comp); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// System registers a system definition.
func (b *Builder) System(sys *System) *Builder {
	b.systems = append(b.systems, sys)
	return b
}

// Catalog is the immutable registry threaded into every worker: schema,
// systems, and the cluster plan. It implements session.Binding. The
// cluster plan is keyed by component name, so application code may hold
// its own component pointers.
type Catalog struct {
	registry *schema.Registry
	systems  map[string]*System
	manager  *keyspace.Manager

	clusters map[string]int
	backends map[string]backend.Backend
	numClust int
}

// Build validates the registrations, plans co-location clusters, and
// resolves every component to its backend. Cluster planning is a
// union-find over components: systems union their component sets, and
// base relations union the sets of both systems. A cluster spanning two
// backends is fatal.
func (b *Builder) Build(manager *keyspace.Manager) (*Catalog, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}

	c := &Catalog{
		registry: b.registry,
		systems:  make(map[string]*System, len(b.systems)),
		manager:  manager,
		clusters: make(map[string]int),
		backends: make(map[string]backend.Backend),
	}

	for _, sys := range b.systems {
		if sys.Name == "" || sys.Namespace == "" {
			return nil, types.NewError(types.CodeSchemaConflict, "system requires name and namespace")
		}
		if !sys.Permission.Valid() {
			return nil, types.Errorf(types.CodeSchemaConflict, "system %s: invalid permission %q", sys.key(), sys.Permission)
		}
		if sys.Func == nil {
			return nil, types.Errorf(types.CodeSchemaConflict, "system %s has no handler", sys.key())
		}
		if _, dup := c.systems[sys.key()]; dup {
			return nil, types.Errorf(types.CodeSchemaConflict, "duplicate system %s", sys.key())
		}
		for _, comp := range sys.Components {
			registered, ok := b.registry.Lookup(comp.Name, comp.Namespace)
			if !ok {
				return nil, types.Errorf(types.CodeSchemaConflict,
					"system %s references unregistered component %s", sys.key(), compKey(comp))
			}
			if !registered.Equal(comp) {
				return nil, types.Errorf(types.CodeSchemaConflict,
					"system %s references component %s with a stale definition", sys.key(), compKey(comp))
			}
		}
		c.systems[sys.key()] = sys
	}

	for _, sys := range b.systems {
		for _, base := range sys.Bases {
			resolved, ok := c.systems[sys.Namespace+"/"+base]
			if !ok {
				return nil, types.Errorf(types.CodeSchemaConflict,
					"system %s references unknown base %q", sys.key(), base)
			}
			if sys.bases == nil {
				sys.bases = make(map[string]*System, len(sys.Bases))
			}
			sys.bases[base] = resolved
		}
	}

	if err := c.plan(b.systems); err != nil {
		return nil, err
	}
	return c, nil
}

// plan assigns every component a cluster id and verifies each cluster
// binds a single backend.
func (c *Catalog) plan(systems []*System) error {
	all := c.registry.All()

	uf := newUnionFind()
	for _, comp := range all {
		uf.add(compKey(comp))
	}
	for _, sys := range systems {
		for i := 1; i < len(sys.Components); i++ {
			uf.union(compKey(sys.Components[0]), compKey(sys.Components[i]))
		}
	}
	for _, sys := range systems {
		if len(sys.Components) == 0 {
			continue
		}
		for _, base := range sys.Bases {
			other := c.systems[sys.Namespace+"/"+base]
			if len(other.Components) > 0 {
				uf.union(compKey(sys.Components[0]), compKey(other.Components[0]))
			}
		}
	}

	// Stable ids: walk components in sorted registry order and number each
	// unseen root. The ids are part of the key layout and must not move
	// between runs with an unchanged registration set.
	roots := make(map[string]int)
	for _, comp := range all {
		root := uf.find(compKey(comp))
		id, seen := roots[root]
		if !seen {
			id = c.numClust
			roots[root] = id
			c.numClust++
		}
		c.clusters[compKey(comp)] = id
	}

	byCluster := make(map[int]*schema.Component)
	for _, comp := range all {
		id := c.clusters[compKey(comp)]
		if first, ok := byCluster[id]; ok && first.Backend != comp.Backend {
			return types.Errorf(types.CodeCrossBackendCluster,
				"components %s (%s) and %s (%s) share a cluster but bind different backends",
				compKey(first), first.Backend, compKey(comp), comp.Backend)
		}
		byCluster[id] = comp

		be, ok := c.manager.Backend(comp.Backend)
		if !ok {
			return types.Errorf(types.CodeSchemaMismatch,
				"%s binds unknown backend %q", compKey(comp), comp.Backend)
		}
		c.backends[compKey(comp)] = be
	}
	return nil
}

// System resolves a system by namespace and name.
func (c *Catalog) System(namespace, name string) (*System, bool) {
	sys, ok := c.systems[namespace+"/"+name]
	return sys, ok
}

// Component resolves a component by namespace and name.
func (c *Catalog) Component(namespace, name string) (*schema.Component, bool) {
	return c.registry.Lookup(name, namespace)
}

// ClusterOf returns the component's planned cluster id.
func (c *Catalog) ClusterOf(comp *schema.Component) int {
	return c.clusters[compKey(comp)]
}

// Clusters returns the number of planned clusters.
func (c *Catalog) Clusters() int { return c.numClust }

// Layout implements session.Binding.
func (c *Catalog) Layout(comp *schema.Component) keyspace.Layout {
	return keyspace.For(comp, c.clusters[compKey(comp)])
}

// ComponentBackend implements session.Binding.
func (c *Catalog) ComponentBackend(comp *schema.Component) backend.Backend {
	return c.backends[compKey(comp)]
}

// Install writes or verifies every component's schema descriptor. Called
// once at startup, before serving traffic; any mismatch is fatal.
func (c *Catalog) Install(ctx context.Context) error {
	all := c.registry.All()
	for _, comp := range all {
		if err := c.manager.Install(ctx, comp, c.clusters[compKey(comp)]); err != nil {
			return fmt.Errorf("install %s: %w", compKey(comp), err)
		}
	}
	logger := log.WithComponent("catalog")
	logger.Info().
		Int("components", len(all)).
		Int("systems", len(c.systems)).
		Int("clusters", c.numClust).
		Msg("catalog installed")
	return nil
}

// SystemNames lists registered systems, sorted, for diagnostics.
func (c *Catalog) SystemNames() []string {
	out := make([]string, 0, len(c.systems))
	for k := range c.systems {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// unionFind with path halving and union by size.
type unionFind struct {
	parent map[string]string
	size   map[string]int
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string), size: make(map[string]int)}
}

func (u *unionFind) add(k string) {
	if _, ok := u.parent[k]; !ok {
		u.parent[k] = k
		u.size[k] = 1
	}
}

func (u *unionFind) find(k string) string {
	u.add(k)
	for u.parent[k] != k {
		u.parent[k] = u.parent[u.parent[k]]
		k = u.parent[k]
	}
	return k
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if u.size[ra] < u.size[rb] {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	u.size[ra] += u.size[rb]
}
