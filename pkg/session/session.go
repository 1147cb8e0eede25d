package session

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/cradlegames/keystone/pkg/backend"
	"github.com/cradlegames/keystone/pkg/keyspace"
	"github.com/cradlegames/keystone/pkg/schema"
	"github.com/cradlegames/keystone/pkg/types"
)

// Binding resolves components to their backend and key layout. The
// catalog implements it.
type Binding interface {
	Layout(comp *schema.Component) keyspace.Layout
	ComponentBackend(comp *schema.Component) backend.Backend
}

// IDSource hands out new row ids. The distributed generator implements it.
type IDSource interface {
	NextID() (uint64, error)
}

// entryState is the pending-op state of one identity-map entry.
type entryState int

const (
	stateClean entryState = iota
	stateInsertPending
	stateUpdatePending
	stateDeletePending
)

// Row is one row held by a session's identity map. Rows are only valid
// within the session that produced them.
type Row struct {
	comp    *schema.Component
	id      uint64
	version uint64 // observed pre-image _version; zero for pending inserts

	data  map[string]any // current values, normalized
	prior map[string]any // values at fetch time, for index diffing
	state entryState
	sess  *Session
}

// ID returns the surrogate primary key.
func (r *Row) ID() uint64 { return r.id }

// Component returns the row's component definition.
func (r *Row) Component() *schema.Component { return r.comp }

// Get reads a column value.
func (r *Row) Get(column string) any { return r.data[column] }

// Set writes a column value, normalizing it to the column type. The write
// is local to the row until Update is called.
func (r *Row) Set(column string, value any) error {
	if column == schema.ColID || column == schema.ColVersion {
		return types.Errorf(types.CodeLogicError, "column %q is not writable", column)
	}
	col, ok := r.comp.Column(column)
	if !ok {
		return types.Errorf(types.CodeLogicError, "%s has no column %q", r.comp.Name, column)
	}
	v, err := col.Type.Normalize(value)
	if err != nil {
		return err
	}
	r.data[column] = v
	return nil
}

// Values renders the row for the wire: id plus every user column.
func (r *Row) Values() map[string]any {
	out := make(map[string]any, len(r.comp.Columns)+1)
	out[schema.ColID] = r.id
	for _, col := range r.comp.Columns {
		out[col.Name] = r.data[col.Name]
	}
	return out
}

// VisibleTo applies OWNER-class row filtering: rows of an OWNER component
// are visible only to the identity in their owner column.
func (r *Row) VisibleTo(caller types.Identity) bool {
	if r.comp.Permission != types.PermOwner {
		return true
	}
	owner, ok := r.data[schema.ColOwner]
	if !ok {
		return false
	}
	switch v := owner.(type) {
	case int64:
		return v >= 0 && uint64(v) == uint64(caller)
	case uint64:
		return v == uint64(caller)
	default:
		return false
	}
}

// Session is a per-invocation transactional scratchpad. All reads cache
// into the identity map (read-your-writes); all mutations buffer until
// Commit. A session is owned by exactly one in-flight call and must not
// be reused after Commit or Abort.
type Session struct {
	binding Binding
	ids     IDSource
	caller  types.Identity

	readOnly bool
	closed   bool

	// entries is the identity map, keyed by component key + row id.
	entries map[string]*Row

	// cluster pins the first touched component's backend and tag; every
	// other touched component must match (single-shard commits).
	be  backend.Backend
	tag string
}

// Option configures a session.
type Option func(*Session)

// ReadOnly marks the session as snapshot-only; Commit becomes a no-op.
func ReadOnly() Option {
	return func(s *Session) { s.readOnly = true }
}

// WithCaller sets the caller identity used for OWNER filtering.
func WithCaller(caller types.Identity) Option {
	return func(s *Session) { s.caller = caller }
}

// New opens a session.
func New(binding Binding, ids IDSource, opts ...Option) *Session {
	s := &Session{
		binding: binding,
		ids:     ids,
		entries: make(map[string]*Row),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Caller returns the session's caller identity.
func (s *Session) Caller() types.Identity { return s.caller }

func entryKey(comp *schema.Component, id uint64) string {
	return comp.Namespace + "/" + comp.Name + "/" + strconv.FormatUint(id, 10)
}

// pin verifies single-shard usage and remembers the session's backend.
func (s *Session) pin(comp *schema.Component) (backend.Backend, error) {
	be := s.binding.ComponentBackend(comp)
	if s.be == nil {
		s.be = be
		s.tag = s.binding.Layout(comp).Tag
		return be, nil
	}
	if s.be != be || s.binding.Layout(comp).Tag != s.tag {
		return nil, types.Errorf(types.CodeLogicError,
			"component %s is outside this session's cluster", comp.Name)
	}
	return be, nil
}

// Get fetches the single row of comp whose column `where` equals value.
// With where == "id" this is a primary-key read; otherwise `where` must be
// an indexed column and the first match in index order is returned.
// Returns (nil, nil) when no row matches.
func (s *Session) Get(ctx context.Context, comp *schema.Component, value any, where string) (*Row, error) {
	if s.closed {
		return nil, types.NewError(types.CodeLogicError, "session is closed")
	}
	if where == "" || where == schema.ColID {
		id, err := toRowID(value)
		if err != nil {
			return nil, err
		}
		return s.getByID(ctx, comp, id)
	}

	col, ok := comp.Column(where)
	if !ok || !col.Indexed() {
		return nil, types.Errorf(types.CodeQueryError,
			"%s.%s is not an indexed column", comp.Name, where)
	}
	norm, err := col.Type.Normalize(value)
	if err != nil {
		return nil, err
	}

	// Pending rows in this session win over backend state.
	if row := s.findPending(comp, col, norm); row != nil {
		return row, nil
	}

	be, err := s.pin(comp)
	if err != nil {
		return nil, err
	}
	layout := s.binding.Layout(comp)
	q := pointQuery(col, norm)
	q.Limit = 2
	members, err := be.Range(ctx, layout.IndexKey(where), q)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		id, err := keyspace.MemberRowID(col, m.Member)
		if err != nil {
			return nil, err
		}
		row, err := s.getByID(ctx, comp, id)
		if err != nil {
			return nil, err
		}
		// The index may be ahead of a concurrent delete; skip ghosts.
		if row != nil {
			return row, nil
		}
	}
	return nil, nil
}

// getByID reads through the identity map.
func (s *Session) getByID(ctx context.Context, comp *schema.Component, id uint64) (*Row, error) {
	k := entryKey(comp, id)
	if row, ok := s.entries[k]; ok {
		if row.state == stateDeletePending {
			return nil, nil
		}
		return row, nil
	}

	be, err := s.pin(comp)
	if err != nil {
		return nil, err
	}
	layout := s.binding.Layout(comp)
	fields, err := be.GetRow(ctx, layout.RowKey(id))
	if err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, nil
	}
	row, err := decodeRow(comp, id, fields)
	if err != nil {
		return nil, err
	}
	row.sess = s
	s.entries[k] = row
	return row, nil
}

// findPending scans the identity map for a pending row matching a column
// value. Keeps this session's own inserts visible to its reads.
func (s *Session) findPending(comp *schema.Component, col schema.Column, value any) *Row {
	want := col.Type.Encode(value)
	for _, row := range s.entries {
		if row.comp != comp || row.state == stateDeletePending {
			continue
		}
		if v, ok := row.data[col.Name]; ok && col.Type.Encode(v) == want {
			return row
		}
	}
	return nil
}

// Range reads rows of comp whose indexed column lies in [left, right],
// capped at limit, optionally descending. Nil bounds mean the column
// type's full representable range. The session's own pending writes are
// merged into the result.
func (s *Session) Range(ctx context.Context, comp *schema.Component, column string, left, right any, limit int, desc bool) ([]*Row, error) {
	if s.closed {
		return nil, types.NewError(types.CodeLogicError, "session is closed")
	}
	col, ok := comp.Column(column)
	if !ok || !col.Indexed() {
		return nil, types.Errorf(types.CodeQueryError,
			"%s.%s is not an indexed column", comp.Name, column)
	}
	q, err := boundedQuery(col, left, right, limit, desc)
	if err != nil {
		return nil, err
	}

	be, err := s.pin(comp)
	if err != nil {
		return nil, err
	}
	layout := s.binding.Layout(comp)
	members, err := be.Range(ctx, layout.IndexKey(column), q)
	if err != nil {
		return nil, err
	}

	seen := make(map[uint64]bool, len(members))
	var rows []*Row
	for _, m := range members {
		id, err := keyspace.MemberRowID(col, m.Member)
		if err != nil {
			return nil, err
		}
		row, err := s.getByID(ctx, comp, id)
		if err != nil {
			return nil, err
		}
		if row == nil {
			continue // deleted in this session or index ghost
		}
		if !inBounds(col, row.data[column], left, right) {
			continue // updated in this session out of the window
		}
		seen[id] = true
		rows = append(rows, row)
	}

	// Merge pending inserts and updates that moved into the window.
	for _, row := range s.entries {
		if row.comp != comp || seen[row.id] || row.state == stateClean || row.state == stateDeletePending {
			continue
		}
		if inBounds(col, row.data[column], left, right) {
			rows = append(rows, row)
		}
	}

	sortRows(rows, col, desc)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// Insert buffers a new row. The id is filled from the id source when
// absent. Re-inserting a row deleted in this session is a LogicError.
func (s *Session) Insert(ctx context.Context, comp *schema.Component, values map[string]any) (*Row, error) {
	if s.closed {
		return nil, types.NewError(types.CodeLogicError, "session is closed")
	}
	if s.readOnly {
		return nil, types.NewError(types.CodeLogicError, "session is read-only")
	}
	if _, err := s.pin(comp); err != nil {
		return nil, err
	}

	var id uint64
	if raw, ok := values[schema.ColID]; ok {
		var err error
		id, err = toRowID(raw)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		id, err = s.ids.NextID()
		if err != nil {
			return nil, fmt.Errorf("id source failed: %w", err)
		}
	}

	k := entryKey(comp, id)
	if existing, ok := s.entries[k]; ok {
		if existing.state == stateDeletePending {
			return nil, types.Errorf(types.CodeLogicError,
				"row %s/%d was deleted in this session; resurrection is not permitted", comp.Name, id)
		}
		return nil, types.Errorf(types.CodeLogicError, "row %s/%d already exists in this session", comp.Name, id)
	}

	row := &Row{
		comp:  comp,
		id:    id,
		data:  make(map[string]any, len(comp.Columns)),
		state: stateInsertPending,
		sess:  s,
	}
	// Defaults apply on insert only; absent defaults zero-fill.
	for _, col := range comp.Columns {
		v, supplied := values[col.Name]
		if !supplied {
			if col.Default != nil {
				v = col.Default
			} else {
				v = zeroValue(col.Type)
			}
		}
		norm, err := col.Type.Normalize(v)
		if err != nil {
			return nil, err
		}
		row.data[col.Name] = norm
	}
	s.entries[k] = row
	return row, nil
}

// Update buffers the row's current values for commit. The row must have
// been obtained from this session.
func (s *Session) Update(row *Row) error {
	if err := s.own(row); err != nil {
		return err
	}
	switch row.state {
	case stateClean:
		row.state = stateUpdatePending
	case stateInsertPending, stateUpdatePending:
		// Latest values already live on the row; a single pending op
		// carries them.
	case stateDeletePending:
		return types.Errorf(types.CodeLogicError, "row %s/%d is deleted", row.comp.Name, row.id)
	}
	return nil
}

// Delete buffers a row deletion. Deleting a row inserted in this session
// erases the pending insert entirely.
func (s *Session) Delete(row *Row) error {
	if err := s.own(row); err != nil {
		return err
	}
	switch row.state {
	case stateInsertPending:
		delete(s.entries, entryKey(row.comp, row.id))
		row.state = stateDeletePending
	default:
		row.state = stateDeletePending
	}
	return nil
}

// UpdateOrInsert yields a mutable row matching column `where` == value,
// creating one (with the column set) when no row matches. The caller Sets
// further columns and calls Update.
func (s *Session) UpdateOrInsert(ctx context.Context, comp *schema.Component, value any, where string) (*Row, error) {
	row, err := s.Get(ctx, comp, value, where)
	if err != nil {
		return nil, err
	}
	if row != nil {
		return row, nil
	}
	values := map[string]any{}
	if where != "" && where != schema.ColID {
		values[where] = value
	}
	return s.Insert(ctx, comp, values)
}

// Abort discards the session. No server-side state is left behind.
func (s *Session) Abort() {
	s.entries = nil
	s.closed = true
}

func (s *Session) own(row *Row) error {
	if s.closed {
		return types.NewError(types.CodeLogicError, "session is closed")
	}
	if s.readOnly {
		return types.NewError(types.CodeLogicError, "session is read-only")
	}
	if row == nil || row.sess != s {
		return types.NewError(types.CodeLogicError, "row does not belong to this session")
	}
	return nil
}

// pointQuery selects exactly one column value.
func pointQuery(col schema.Column, value any) backend.RangeQuery {
	if col.Type.Kind.Numeric() {
		score := col.Type.Score(value)
		return backend.RangeQuery{Min: score, Max: score}
	}
	encoded := col.Type.Encode(value)
	return backend.RangeQuery{Lex: true, MinLex: encoded + ":", MaxLex: encoded + ":\xff"}
}

// boundedQuery maps user bounds to a backend query. Nil bounds expand to
// the column type's representable range; out-of-type numeric literals are
// rejected.
func boundedQuery(col schema.Column, left, right any, limit int, desc bool) (backend.RangeQuery, error) {
	if col.Type.Kind.Numeric() {
		lo, hi := col.Type.Kind.Bounds()
		min, max := lo, hi
		if left != nil {
			norm, err := numericBound(col, left)
			if err != nil {
				return backend.RangeQuery{}, err
			}
			min = norm
		}
		if right != nil {
			norm, err := numericBound(col, right)
			if err != nil {
				return backend.RangeQuery{}, err
			}
			max = norm
		}
		return backend.RangeQuery{Min: min, Max: max, Limit: limit, Desc: desc}, nil
	}

	q := backend.RangeQuery{Lex: true, Limit: limit, Desc: desc}
	if left != nil {
		sv, ok := left.(string)
		if !ok {
			return backend.RangeQuery{}, types.Errorf(types.CodeQueryError, "string bound expected, got %T", left)
		}
		q.MinLex = sv
	}
	if right != nil {
		sv, ok := right.(string)
		if !ok {
			return backend.RangeQuery{}, types.Errorf(types.CodeQueryError, "string bound expected, got %T", right)
		}
		// Members encode as "<value>:<id>". The inclusive upper bound must
		// stop at the separator so values merely extending the bound string
		// stay out of the window.
		q.MaxLex = sv + ":\xff"
	}
	return q, nil
}

// numericBound normalizes a range boundary, admitting ±infinity as the
// type's representable extremes.
func numericBound(col schema.Column, v any) (float64, error) {
	lo, hi := col.Type.Kind.Bounds()
	if f, ok := v.(float64); ok {
		if math.IsInf(f, -1) {
			return lo, nil
		}
		if math.IsInf(f, 1) {
			return hi, nil
		}
	}
	norm, err := col.Type.Normalize(v)
	if err != nil {
		return 0, err
	}
	return col.Type.Score(norm), nil
}

// inBounds checks a (possibly locally updated) value against user bounds.
func inBounds(col schema.Column, value, left, right any) bool {
	if col.Type.Kind.Numeric() {
		score := col.Type.Score(value)
		if left != nil {
			if b, err := numericBound(col, left); err != nil || score < b {
				return false
			}
		}
		if right != nil {
			if b, err := numericBound(col, right); err != nil || score > b {
				return false
			}
		}
		return true
	}
	sv := col.Type.Encode(value)
	if left != nil {
		if b, ok := left.(string); !ok || sv < b {
			return false
		}
	}
	if right != nil {
		if b, ok := right.(string); !ok || sv > b {
			return false
		}
	}
	return true
}

func sortRows(rows []*Row, col schema.Column, desc bool) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		var less bool
		if col.Type.Kind.Numeric() {
			sa, sb := col.Type.Score(a.data[col.Name]), col.Type.Score(b.data[col.Name])
			if sa != sb {
				less = sa < sb
			} else {
				less = a.id < b.id
			}
		} else {
			va, vb := col.Type.Encode(a.data[col.Name]), col.Type.Encode(b.data[col.Name])
			if va != vb {
				less = va < vb
			} else {
				less = a.id < b.id
			}
		}
		if desc {
			return !less
		}
		return less
	})
}

func decodeRow(comp *schema.Component, id uint64, fields map[string]string) (*Row, error) {
	version, err := strconv.ParseUint(fields[schema.ColVersion], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("row %s/%d has malformed _version: %w", comp.Name, id, err)
	}
	row := &Row{
		comp:    comp,
		id:      id,
		version: version,
		data:    make(map[string]any, len(comp.Columns)),
		prior:   make(map[string]any, len(comp.Columns)),
		state:   stateClean,
	}
	for _, col := range comp.Columns {
		raw, ok := fields[col.Name]
		if !ok {
			// Additively migrated column absent in older rows.
			v := col.Default
			if v == nil {
				v = zeroValue(col.Type)
			}
			norm, err := col.Type.Normalize(v)
			if err != nil {
				return nil, err
			}
			row.data[col.Name] = norm
			row.prior[col.Name] = norm
			continue
		}
		v, err := col.Type.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("row %s/%d column %s: %w", comp.Name, id, col.Name, err)
		}
		row.data[col.Name] = v
		row.prior[col.Name] = v
	}
	return row, nil
}

func zeroValue(t schema.ColumnType) any {
	switch t.Kind {
	case schema.String:
		return ""
	case schema.Bytes:
		return []byte{}
	case schema.Float32, schema.Float64:
		return float64(0)
	default:
		return 0
	}
}

func toRowID(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int64:
		if n < 0 {
			return 0, types.Errorf(types.CodeQueryError, "negative row id %d", n)
		}
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, types.Errorf(types.CodeQueryError, "negative row id %d", n)
		}
		return uint64(n), nil
	case float64:
		if n < 0 || n != math.Trunc(n) {
			return 0, types.Errorf(types.CodeQueryError, "invalid row id %v", n)
		}
		return uint64(n), nil
	case string:
		id, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return 0, types.Errorf(types.CodeQueryError, "invalid row id %q", n)
		}
		return id, nil
	default:
		return 0, types.Errorf(types.CodeQueryError, "invalid row id type %T", v)
	}
}
