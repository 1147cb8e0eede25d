package schema

import (
	"math"
	"testing"

	"github.com/cradlegames/keystone/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hpComponent() *Component {
	return &Component{
		Name:      "HP",
		Namespace: "game",
		Columns: []Column{
			{Name: "owner", Type: ColumnType{Kind: Int64}, Unique: true},
			{Name: "value", Type: ColumnType{Kind: Int32}, Default: int64(0)},
		},
		Permission:  types.PermEverybody,
		Persistence: types.Persistent,
		Backend:     "main",
	}
}

func TestNormalizeIntegers(t *testing.T) {
	tests := []struct {
		name    string
		typ     ColumnType
		in      any
		want    any
		wantErr bool
	}{
		{"int32 from json float", ColumnType{Kind: Int32}, float64(42), int64(42), false},
		{"int8 overflow", ColumnType{Kind: Int8}, float64(200), nil, true},
		{"int8 max", ColumnType{Kind: Int8}, float64(127), int64(127), false},
		{"uint16 negative", ColumnType{Kind: Uint16}, -1, nil, true},
		{"uint64 large", ColumnType{Kind: Uint64}, uint64(math.MaxUint64), uint64(math.MaxUint64), false},
		{"non integral", ColumnType{Kind: Int64}, 1.5, nil, true},
		{"string for int", ColumnType{Kind: Int64}, "12", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.typ.Normalize(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, types.CodeQueryError, types.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeFloat32RoundTrip(t *testing.T) {
	typ := ColumnType{Kind: Float32}
	v, err := typ.Normalize(0.1)
	require.NoError(t, err)
	// Value must be representable as float32 so it survives the backend.
	assert.Equal(t, float64(float32(0.1)), v)

	encoded := typ.Encode(v)
	back, err := typ.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, v, back)
}

func TestNormalizeFixedLengthString(t *testing.T) {
	typ := ColumnType{Kind: String, Size: 4}
	_, err := typ.Normalize("hello")
	require.Error(t, err)

	v, err := typ.Normalize("hi")
	require.NoError(t, err)
	assert.Equal(t, "hi", v)
}

func TestEncodeDecodeWidthSensitive(t *testing.T) {
	typ := ColumnType{Kind: Uint64}
	v, err := typ.Normalize(uint64(math.MaxUint64))
	require.NoError(t, err)
	back, err := typ.Decode(typ.Encode(v))
	require.NoError(t, err)
	assert.Equal(t, v, back)
}

func TestRegisterIdempotentAndConflict(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(hpComponent()))
	require.NoError(t, r.Register(hpComponent()), "identical re-registration is a no-op")

	changed := hpComponent()
	changed.Columns[1].Type = ColumnType{Kind: Int64}
	err := r.Register(changed)
	require.Error(t, err)
	assert.Equal(t, types.CodeSchemaConflict, types.CodeOf(err))

	// Permission is part of identity.
	changed = hpComponent()
	changed.Permission = types.PermAdmin
	assert.Error(t, r.Register(changed))

	// Backend binding is part of identity.
	changed = hpComponent()
	changed.Backend = "other"
	assert.Error(t, r.Register(changed))
}

func TestOwnerPermissionRequiresOwnerColumn(t *testing.T) {
	def := &Component{
		Name:       "Inventory",
		Namespace:  "game",
		Columns:    []Column{{Name: "slot", Type: ColumnType{Kind: Int32}}},
		Permission: types.PermOwner,
		Backend:    "main",
	}
	err := NewRegistry().Register(def)
	require.Error(t, err)
	assert.Equal(t, types.CodeSchemaConflict, types.CodeOf(err))

	def.Columns = append(def.Columns, Column{Name: "owner", Type: ColumnType{Kind: Int64}, Index: true})
	assert.NoError(t, NewRegistry().Register(def))
}

func TestReservedColumns(t *testing.T) {
	def := hpComponent()
	def.Columns = append(def.Columns, Column{Name: "id", Type: ColumnType{Kind: Uint64}})
	assert.Error(t, NewRegistry().Register(def))
}

func TestIterateSorted(t *testing.T) {
	r := NewRegistry()
	b := hpComponent()
	b.Name = "Position"
	require.NoError(t, r.Register(b))
	require.NoError(t, r.Register(hpComponent()))

	all := r.Iterate("game")
	require.Len(t, all, 2)
	assert.Equal(t, "HP", all[0].Name)
	assert.Equal(t, "Position", all[1].Name)
	assert.Empty(t, r.Iterate("other"))
}

func TestUniqueImpliesIndexed(t *testing.T) {
	c := hpComponent()
	idx := c.IndexedColumns()
	require.Len(t, idx, 1)
	assert.Equal(t, "owner", idx[0].Name)
}
