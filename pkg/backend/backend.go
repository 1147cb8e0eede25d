package backend

import (
	"context"
	"errors"
)

// Commit outcome sentinels. Race is transient and retried by the executor;
// unique violations surface to user logic.
var (
	// ErrRace reports that a commit precondition observed a stale version
	// or an unexpected key existence state.
	ErrRace = errors.New("backend: commit precondition failed")
	// ErrUnique reports that a unique-column precondition found a live
	// conflicting index member.
	ErrUnique = errors.New("backend: unique constraint violated")
)

// CheckKind enumerates commit preconditions.
type CheckKind int

const (
	// CheckVersion asserts the row's _version field equals Version.
	CheckVersion CheckKind = iota
	// CheckNotExists asserts the row key is absent (inserts).
	CheckNotExists
	// CheckExists asserts the row key is present (updates, deletes).
	CheckExists
	// CheckUniqueFree asserts no live index member carries the value,
	// ignoring members removed in the same bundle (permits swaps).
	CheckUniqueFree
)

// Check is one commit precondition.
type Check struct {
	Kind    CheckKind
	Key     string // row key for VER/NX/EX
	Version uint64 // expected _version for CheckVersion

	// CheckUniqueFree fields.
	IndexKey string
	Numeric  bool    // match by score when true, by member prefix otherwise
	Score    float64 // candidate value for numeric unique columns
	Prefix   string  // "<value>:" member prefix for string unique columns
	SelfID   string  // row id whose own member never conflicts
}

// OpKind enumerates commit mutations.
type OpKind int

const (
	OpPutRow OpKind = iota
	OpDelRow
	OpAddIndex
	OpDelIndex
)

// Op is one commit mutation.
type Op struct {
	Kind   OpKind
	Key    string            // row key for PutRow/DelRow, index key for Add/DelIndex
	Fields map[string]string // row fields for PutRow
	Score  float64           // index score for AddIndex
	Member string            // index member for Add/DelIndex
}

// ChangeKind classifies a row change inside a notification.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// RowChange describes one row touched by a committed bundle.
type RowChange struct {
	ID      uint64     `json:"id"`
	Kind    ChangeKind `json:"kind"`
	Columns []string   `json:"columns,omitempty"`
}

// Notification is the per-topic slice of a bundle's row changes, published
// on commit.
type Notification struct {
	Topic string      `json:"topic"`
	Rows  []RowChange `json:"rows"`
}

// Change is a committed notification as delivered to subscribers. Seq is
// assigned by the backend and totally orders commits within one cluster.
type Change struct {
	Topic string      `json:"topic"`
	Seq   uint64      `json:"seq"`
	Rows  []RowChange `json:"rows"`
}

// Bundle is an atomic commit payload: all checks are evaluated against
// current backend state, and either every op applies or none does.
type Bundle struct {
	// Cluster scopes the commit sequence counter.
	Cluster string
	Checks  []Check
	Ops     []Op
	Notify  []Notification
}

// RangeQuery bounds an ordered-index read. Numeric queries use the
// inclusive [Min, Max] score window; lexicographic queries use the
// inclusive [MinLex, MaxLex] member window (empty MaxLex means +inf).
type RangeQuery struct {
	Lex    bool
	Min    float64
	Max    float64
	MinLex string
	MaxLex string
	Limit  int
	Desc   bool
}

// Member is one ordered-index entry.
type Member struct {
	Member string
	Score  float64
}

// Backend abstracts the key-value + sorted-index store. Implementations
// must make Commit atomic: checks and ops evaluate as one unit.
type Backend interface {
	// Name returns the binding name this backend was configured under.
	Name() string

	// GetRow reads a row hash. Returns (nil, nil) when the key is absent.
	// Reads may be served by replicas.
	GetRow(ctx context.Context, key string) (map[string]string, error)

	// Range reads an ordered index window.
	Range(ctx context.Context, indexKey string, q RangeQuery) ([]Member, error)

	// Commit atomically applies a bundle. Returns ErrRace or ErrUnique
	// wrapped with detail on precondition failure.
	Commit(ctx context.Context, b *Bundle) error

	// PutRow writes a row hash outside the commit path. Used for schema
	// descriptors during install.
	PutRow(ctx context.Context, key string, fields map[string]string) error

	// DeletePrefix removes every key under a prefix. Used to wipe
	// ephemeral components at install time.
	DeletePrefix(ctx context.Context, prefix string) error

	// Subscribe registers interest in a change topic. The returned channel
	// is closed by Unsubscribe.
	Subscribe(topic string) (<-chan *Change, error)

	// Unsubscribe releases a subscription channel.
	Unsubscribe(topic string, ch <-chan *Change)

	Close() error
}
