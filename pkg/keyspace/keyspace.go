package keyspace

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cradlegames/keystone/pkg/backend"
	"github.com/cradlegames/keystone/pkg/log"
	"github.com/cradlegames/keystone/pkg/schema"
	"github.com/cradlegames/keystone/pkg/types"
)

// ClusterTag renders the hash-slot hint for a cluster id. Every key of the
// co-located components carries it, so all of a cluster's keys fall on one
// shard. The format is part of the persisted-state compatibility contract.
func ClusterTag(cluster int) string {
	return fmt.Sprintf("{CLU %d}", cluster)
}

// Layout maps a component plus its cluster id to concrete backend keys.
type Layout struct {
	Namespace string
	Table     string
	Tag       string
}

// For builds the layout of a component within its cluster.
func For(comp *schema.Component, cluster int) Layout {
	return Layout{Namespace: comp.Namespace, Table: comp.Name, Tag: ClusterTag(cluster)}
}

// Prefix is the common prefix of every key the component owns.
func (l Layout) Prefix() string {
	return fmt.Sprintf("%s:%s:%s:", l.Namespace, l.Table, l.Tag)
}

// RowKey addresses one row hash.
func (l Layout) RowKey(id uint64) string {
	return l.Prefix() + "id:" + strconv.FormatUint(id, 10)
}

// IndexKey addresses the ordered index of one column.
func (l Layout) IndexKey(column string) string {
	return l.Prefix() + "index:" + column
}

// SchemaKey addresses the installed schema descriptor.
func (l Layout) SchemaKey() string {
	return l.Prefix() + "schema"
}

// Topic is the change-notification channel for the component.
func (l Layout) Topic() string {
	return fmt.Sprintf("%s:%s:%s", l.Namespace, l.Table, l.Tag)
}

// IndexMember encodes a column value into its ordered-set entry. Numeric
// columns score by value with the bare row id as member; string columns
// score zero and embed the value in the member so lexicographic traversal
// yields value-major ordering with the id as a stable tiebreak.
func IndexMember(col schema.Column, value any, id uint64) (member string, score float64) {
	idStr := strconv.FormatUint(id, 10)
	if col.Type.Kind.Numeric() {
		return idStr, col.Type.Score(value)
	}
	return col.Type.Encode(value) + ":" + idStr, 0
}

// MemberRowID recovers the row id from an index member.
func MemberRowID(col schema.Column, member string) (uint64, error) {
	idPart := member
	if !col.Type.Kind.Numeric() {
		i := strings.LastIndexByte(member, ':')
		if i < 0 {
			return 0, fmt.Errorf("malformed index member %q", member)
		}
		idPart = member[i+1:]
	}
	return strconv.ParseUint(idPart, 10, 64)
}

// descriptor is the persisted schema identity of a component. Any change
// to it across runs is a SchemaMismatch.
type descriptor struct {
	Columns     []descriptorColumn `json:"columns"`
	Permission  types.Permission   `json:"permission"`
	Persistence types.Persistence  `json:"persistence"`
}

type descriptorColumn struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Unique bool   `json:"unique"`
	Index  bool   `json:"index"`
}

func describe(comp *schema.Component) string {
	d := descriptor{Permission: comp.Permission, Persistence: comp.Persistence}
	for _, col := range comp.Columns {
		d.Columns = append(d.Columns, descriptorColumn{
			Name:   col.Name,
			Type:   col.Type.String(),
			Unique: col.Unique,
			Index:  col.Indexed(),
		})
	}
	data, _ := json.Marshal(d)
	return string(data)
}

// Manager resolves components to layouts and drives schema installation.
// Read-only after Install completes for every component.
type Manager struct {
	backends map[string]backend.Backend
}

// NewManager wraps the configured backend bindings.
func NewManager(backends map[string]backend.Backend) *Manager {
	return &Manager{backends: backends}
}

// Backend resolves a binding name.
func (m *Manager) Backend(name string) (backend.Backend, bool) {
	b, ok := m.backends[name]
	return b, ok
}

// Install writes the component's schema descriptor on first use and
// verifies prior-run compatibility on restart. Ephemeral components are
// wiped before install. Incompatibility is fatal before serving traffic.
func (m *Manager) Install(ctx context.Context, comp *schema.Component, cluster int) error {
	be, ok := m.backends[comp.Backend]
	if !ok {
		return types.Errorf(types.CodeSchemaMismatch,
			"%s/%s binds unknown backend %q", comp.Namespace, comp.Name, comp.Backend)
	}

	layout := For(comp, cluster)
	logger := log.WithComponent("keyspace")

	if comp.Persistence == types.Ephemeral {
		if err := be.DeletePrefix(ctx, layout.Prefix()); err != nil {
			return fmt.Errorf("failed to wipe ephemeral component %s: %w", comp.Name, err)
		}
	}

	want := describe(comp)
	existing, err := be.GetRow(ctx, layout.SchemaKey())
	if err != nil {
		return fmt.Errorf("failed to read schema descriptor for %s: %w", comp.Name, err)
	}
	if existing == nil {
		logger.Info().
			Str("namespace", comp.Namespace).
			Str("table", comp.Name).
			Str("cluster", layout.Tag).
			Msg("installing schema")
		return be.PutRow(ctx, layout.SchemaKey(), map[string]string{"descriptor": want})
	}
	if existing["descriptor"] != want {
		return types.Errorf(types.CodeSchemaMismatch,
			"%s/%s: installed schema differs from registered definition", comp.Namespace, comp.Name)
	}
	return nil
}
