package schema

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/cradlegames/keystone/pkg/types"
)

// System column names. Every component carries both implicitly.
const (
	ColID      = "id"
	ColVersion = "_version"
	ColOwner   = "owner"
)

// Kind is the closed set of scalar column kinds.
type Kind int

const (
	Int8 Kind = iota
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
	Float64
	String
	Bytes
)

func (k Kind) String() string {
	switch k {
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Uint64:
		return "uint64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case String:
		return "string"
	case Bytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Numeric reports whether the kind orders by numeric score in an index.
func (k Kind) Numeric() bool {
	return k <= Float64
}

// Integer reports whether the kind is a signed or unsigned integer.
func (k Kind) Integer() bool {
	return k <= Uint64
}

// Signed reports whether the kind is a signed integer.
func (k Kind) Signed() bool {
	return k <= Int64
}

// Bounds returns the representable range for numeric kinds as float64s.
// Infinite query boundaries are clamped to these.
func (k Kind) Bounds() (lo, hi float64) {
	switch k {
	case Int8:
		return math.MinInt8, math.MaxInt8
	case Int16:
		return math.MinInt16, math.MaxInt16
	case Int32:
		return math.MinInt32, math.MaxInt32
	case Int64:
		return math.MinInt64, math.MaxInt64
	case Uint8:
		return 0, math.MaxUint8
	case Uint16:
		return 0, math.MaxUint16
	case Uint32:
		return 0, math.MaxUint32
	case Uint64:
		return 0, math.MaxUint64
	case Float32:
		return -math.MaxFloat32, math.MaxFloat32
	case Float64:
		return -math.MaxFloat64, math.MaxFloat64
	default:
		return 0, 0
	}
}

// ColumnType is a scalar kind plus a fixed length for text and byte columns.
type ColumnType struct {
	Kind Kind `yaml:"kind" json:"kind"`
	// Size is the fixed maximum length for String and Bytes columns.
	Size int `yaml:"size,omitempty" json:"size,omitempty"`
}

func (t ColumnType) String() string {
	if t.Kind == String || t.Kind == Bytes {
		return fmt.Sprintf("%s(%d)", t.Kind, t.Size)
	}
	return t.Kind.String()
}

// Normalize coerces a caller-supplied value (typically from decoded JSON)
// into the canonical in-memory representation for the column type:
// int64 for signed integers, uint64 for unsigned, float64 for floats,
// string for text, []byte for byte strings. Width-sensitive values are
// range-checked so they round-trip through the backend without loss.
func (t ColumnType) Normalize(v any) (any, error) {
	switch t.Kind {
	case Int8, Int16, Int32, Int64:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		lo, hi := t.Kind.Bounds()
		if float64(n) < lo || float64(n) > hi {
			return nil, types.Errorf(types.CodeQueryError, "value %d out of range for %s", n, t.Kind)
		}
		return n, nil
	case Uint8, Uint16, Uint32, Uint64:
		n, err := toUint64(v)
		if err != nil {
			return nil, err
		}
		if t.Kind != Uint64 {
			_, hi := t.Kind.Bounds()
			if float64(n) > hi {
				return nil, types.Errorf(types.CodeQueryError, "value %d out of range for %s", n, t.Kind)
			}
		}
		return n, nil
	case Float32:
		f, err := toFloat64(v)
		if err != nil {
			return nil, err
		}
		return float64(float32(f)), nil
	case Float64:
		return toFloat64(v)
	case String:
		s, ok := v.(string)
		if !ok {
			return nil, types.Errorf(types.CodeQueryError, "expected string, got %T", v)
		}
		if t.Size > 0 && len(s) > t.Size {
			return nil, types.Errorf(types.CodeQueryError, "string exceeds fixed length %d", t.Size)
		}
		return s, nil
	case Bytes:
		b, ok := v.([]byte)
		if !ok {
			if s, sok := v.(string); sok {
				b = []byte(s)
			} else {
				return nil, types.Errorf(types.CodeQueryError, "expected bytes, got %T", v)
			}
		}
		if t.Size > 0 && len(b) > t.Size {
			return nil, types.Errorf(types.CodeQueryError, "bytes exceed fixed length %d", t.Size)
		}
		return b, nil
	default:
		return nil, types.Errorf(types.CodeQueryError, "unknown column kind %d", t.Kind)
	}
}

// Encode renders a normalized value as the backend field string.
func (t ColumnType) Encode(v any) string {
	switch t.Kind {
	case Int8, Int16, Int32, Int64:
		return strconv.FormatInt(v.(int64), 10)
	case Uint8, Uint16, Uint32, Uint64:
		return strconv.FormatUint(v.(uint64), 10)
	case Float32, Float64:
		return strconv.FormatFloat(v.(float64), 'g', -1, 64)
	case String:
		return v.(string)
	case Bytes:
		return string(v.([]byte))
	default:
		return ""
	}
}

// Decode parses a backend field string back to the canonical value.
func (t ColumnType) Decode(s string) (any, error) {
	switch t.Kind {
	case Int8, Int16, Int32, Int64:
		return strconv.ParseInt(s, 10, 64)
	case Uint8, Uint16, Uint32, Uint64:
		return strconv.ParseUint(s, 10, 64)
	case Float32, Float64:
		return strconv.ParseFloat(s, 64)
	case String:
		return s, nil
	case Bytes:
		return []byte(s), nil
	default:
		return nil, fmt.Errorf("unknown column kind %d", t.Kind)
	}
}

// Score maps a normalized value to its ordered-index score. String and
// byte columns score zero; their ordering lives in the member encoding.
func (t ColumnType) Score(v any) float64 {
	switch t.Kind {
	case Int8, Int16, Int32, Int64:
		return float64(v.(int64))
	case Uint8, Uint16, Uint32, Uint64:
		return float64(v.(uint64))
	case Float32, Float64:
		return v.(float64)
	default:
		return 0
	}
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, types.Errorf(types.CodeQueryError, "value %d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, types.Errorf(types.CodeQueryError, "non-integral value %v for integer column", n)
		}
		return int64(n), nil
	default:
		return 0, types.Errorf(types.CodeQueryError, "expected integer, got %T", v)
	}
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint:
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, types.Errorf(types.CodeQueryError, "negative value %d for unsigned column", n)
		}
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, types.Errorf(types.CodeQueryError, "negative value %d for unsigned column", n)
		}
		return uint64(n), nil
	case float64:
		if n < 0 || n != math.Trunc(n) {
			return 0, types.Errorf(types.CodeQueryError, "invalid value %v for unsigned column", n)
		}
		return uint64(n), nil
	default:
		return 0, types.Errorf(types.CodeQueryError, "expected unsigned integer, got %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, types.Errorf(types.CodeQueryError, "expected float, got %T", v)
	}
}

// Column describes one user column of a component.
type Column struct {
	Name    string     `yaml:"name" json:"name"`
	Type    ColumnType `yaml:"type" json:"type"`
	Default any        `yaml:"default,omitempty" json:"default,omitempty"`
	Unique  bool       `yaml:"unique,omitempty" json:"unique,omitempty"`
	Index   bool       `yaml:"index,omitempty" json:"index,omitempty"`
}

// Indexed reports whether the column carries an index entry. Unique
// columns are implicitly indexed.
func (c Column) Indexed() bool {
	return c.Index || c.Unique
}

// Component is a registered table schema. Immutable after registration.
type Component struct {
	Name        string            `yaml:"name" json:"name"`
	Namespace   string            `yaml:"namespace" json:"namespace"`
	Columns     []Column          `yaml:"columns" json:"columns"`
	Permission  types.Permission  `yaml:"permission" json:"permission"`
	Persistence types.Persistence `yaml:"persistence" json:"persistence"`
	// Backend is the name of the backend binding this component lives on.
	Backend string `yaml:"backend" json:"backend"`
}

// Column looks up a user column by name.
func (c *Component) Column(name string) (Column, bool) {
	for _, col := range c.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// IndexedColumns returns the user columns carrying index entries.
func (c *Component) IndexedColumns() []Column {
	var out []Column
	for _, col := range c.Columns {
		if col.Indexed() {
			out = append(out, col)
		}
	}
	return out
}

// Validate checks structural invariants of a definition.
func (c *Component) Validate() error {
	if c.Name == "" || c.Namespace == "" {
		return types.NewError(types.CodeSchemaConflict, "component requires name and namespace")
	}
	if !c.Permission.Valid() {
		return types.Errorf(types.CodeSchemaConflict, "%s: invalid permission %q", c.Name, c.Permission)
	}
	seen := map[string]bool{}
	for _, col := range c.Columns {
		if col.Name == ColID || col.Name == ColVersion {
			return types.Errorf(types.CodeSchemaConflict, "%s: column %q is reserved", c.Name, col.Name)
		}
		if seen[col.Name] {
			return types.Errorf(types.CodeSchemaConflict, "%s: duplicate column %q", c.Name, col.Name)
		}
		seen[col.Name] = true
	}
	if c.Permission == types.PermOwner {
		col, ok := c.Column(ColOwner)
		if !ok || !col.Type.Kind.Integer() {
			return types.Errorf(types.CodeSchemaConflict,
				"%s: OWNER permission requires an integer %q column", c.Name, ColOwner)
		}
	}
	return nil
}

// Equal reports whether two definitions are identical. Permission and
// backend binding are part of identity.
func (c *Component) Equal(o *Component) bool {
	if c.Name != o.Name || c.Namespace != o.Namespace ||
		c.Permission != o.Permission || c.Persistence != o.Persistence ||
		c.Backend != o.Backend || len(c.Columns) != len(o.Columns) {
		return false
	}
	for i, col := range c.Columns {
		oc := o.Columns[i]
		if col.Name != oc.Name || col.Type != oc.Type ||
			col.Unique != oc.Unique || col.Indexed() != oc.Indexed() {
			return false
		}
		if fmt.Sprint(col.Default) != fmt.Sprint(oc.Default) {
			return false
		}
	}
	return true
}

// Registry holds component definitions for all namespaces. Registration
// happens during catalog construction; afterwards the registry is
// read-only and safe for concurrent use.
type Registry struct {
	components map[string]*Component // keyed by namespace + "/" + name
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]*Component)}
}

func key(namespace, name string) string {
	return namespace + "/" + name
}

// Register adds a component definition. Registering an identical
// definition twice is a no-op; a differing definition under the same
// name fails with SchemaConflict.
func (r *Registry) Register(def *Component) error {
	if err := def.Validate(); err != nil {
		return err
	}
	k := key(def.Namespace, def.Name)
	if existing, ok := r.components[k]; ok {
		if existing.Equal(def) {
			return nil
		}
		return types.Errorf(types.CodeSchemaConflict,
			"component %s already registered with a different definition", k)
	}
	cp := *def
	cp.Columns = append([]Column(nil), def.Columns...)
	r.components[k] = &cp
	return nil
}

// Lookup resolves a component by name within a namespace.
func (r *Registry) Lookup(name, namespace string) (*Component, bool) {
	c, ok := r.components[key(namespace, name)]
	return c, ok
}

// Iterate returns all components of a namespace, sorted by name.
func (r *Registry) Iterate(namespace string) []*Component {
	var out []*Component
	for _, c := range r.components {
		if c.Namespace == namespace {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// All returns every registered component across namespaces, sorted by
// namespace then name.
func (r *Registry) All() []*Component {
	out := make([]*Component, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Name < out[j].Name
	})
	return out
}
