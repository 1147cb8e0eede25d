package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cradlegames/keystone/pkg/backend"
	"github.com/cradlegames/keystone/pkg/catalog"
	"github.com/cradlegames/keystone/pkg/log"
	"github.com/cradlegames/keystone/pkg/metrics"
	"github.com/cradlegames/keystone/pkg/schema"
	"github.com/cradlegames/keystone/pkg/session"
	"github.com/cradlegames/keystone/pkg/types"
)

// pendingLimit bounds the coalesced backlog of a saturated subscription
// before it is evicted. Variable for tests.
var pendingLimit = 256

// redeliverInterval paces retries of a coalesced backlog while the topic
// is quiescent. Variable for tests.
var redeliverInterval = 100 * time.Millisecond

// maxRedeliverAttempts bounds consecutive failed retries before a stuck
// subscription is evicted. Variable for tests.
var maxRedeliverAttempts = 50

// Client is the broker's view of a connection. Deliver must not block:
// it reports false when the connection's send queue is saturated, and
// the broker coalesces until the backlog overflows.
type Client interface {
	ID() string
	Caller() types.Identity
	Deliver(u Update) bool
	Evicted(subID uint64, reason error)
}

// RowUpdate is one row-level change inside an update message.
type RowUpdate struct {
	Op     string         `json:"op"` // "insert", "update", "delete"
	ID     uint64         `json:"id"`
	Values map[string]any `json:"values,omitempty"`
}

// Update is one subscription update: every row change observed for the
// subscription from a single committed transaction (or several, when
// coalesced under saturation).
type Update struct {
	SubID uint64      `json:"subId"`
	Rows  []RowUpdate `json:"rows"`
}

// Request describes a subscription. Point requests watch the single row
// matching Value on Column; range requests watch the window
// [Left, Right] with optional limit and direction.
type Request struct {
	Namespace string
	Table     string
	Column    string

	Point bool
	Value any

	Left  any
	Right any
	Limit int
	Desc  bool

	// Force materializes a range subscription even when the snapshot is
	// empty. Without it an empty snapshot yields no handle.
	Force bool

	// Budget caps the connection's live handles of this request's kind.
	// Zero means unlimited. Re-subscribing to a held fingerprint never
	// counts against it.
	Budget int
}

// Result is the subscribe outcome. SubID zero means no subscription was
// materialized (empty snapshot without force); Snapshot always reflects
// the matching rows at subscribe time.
type Result struct {
	SubID       uint64
	Fingerprint string
	Snapshot    []map[string]any
}

type sub struct {
	id          uint64
	fingerprint string
	client      Client
	topic       string

	comp *schema.Component
	col  schema.Column

	point bool
	value any
	left  any
	right any
	limit int
	desc  bool

	// members is the last delivered membership: row id to an encoded
	// signature of its column values.
	members map[uint64]string

	// pending holds coalesced changes the client has not accepted yet,
	// latest per row.
	pending map[uint64]RowUpdate

	// attempts counts consecutive failed deliveries of the backlog;
	// flushScheduled dedupes the retry timer.
	attempts       int
	flushScheduled bool
}

func (s *sub) kind() string {
	if s.point {
		return "row"
	}
	return "range"
}

type topicWatcher struct {
	topic string
	ch    <-chan *backend.Change
	subs  map[uint64]*sub
	done  chan struct{}
}

// Broker maintains live subscriptions over backend change notifications.
// One watcher goroutine per active topic consumes the backend's ordered
// change feed and fans out diffs; delivery order within a cluster is the
// backend's commit order.
type Broker struct {
	cat *catalog.Catalog
	ids session.IDSource

	mu       sync.Mutex
	topics   map[string]*topicWatcher
	subs     map[uint64]*sub
	byClient map[Client]map[string]*sub // fingerprint-keyed, per connection
	nextID   uint64
}

func New(cat *catalog.Catalog, ids session.IDSource) *Broker {
	return &Broker{
		cat:      cat,
		ids:      ids,
		topics:   make(map[string]*topicWatcher),
		subs:     make(map[uint64]*sub),
		byClient: make(map[Client]map[string]*sub),
	}
}

// Fingerprint renders the canonical identity of a subscription. Equal
// fingerprints on one connection share a handle.
func Fingerprint(table, column string, left, right any, desc bool, limit int, col schema.Column) string {
	bound := func(v any) string {
		if v == nil {
			return "None"
		}
		if norm, err := col.Type.Normalize(v); err == nil {
			return col.Type.Encode(norm)
		}
		return fmt.Sprint(v)
	}
	dir := 1
	if desc {
		dir = -1
	}
	var b strings.Builder
	b.WriteString(table)
	b.WriteByte('.')
	b.WriteString(column)
	b.WriteByte('[')
	b.WriteString(bound(left))
	b.WriteByte(':')
	b.WriteString(bound(right))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(dir))
	b.WriteByte(']')
	if limit > 0 {
		b.WriteString("[:")
		b.WriteString(strconv.Itoa(limit))
		b.WriteByte(']')
	}
	return b.String()
}

// Subscribe resolves a request into a snapshot and, when warranted, a
// live handle. Point requests with no matching row and unforced range
// requests with an empty snapshot return SubID zero and no handle.
func (b *Broker) Subscribe(ctx context.Context, client Client, req Request) (*Result, error) {
	comp, ok := b.cat.Component(req.Namespace, req.Table)
	if !ok {
		return nil, types.Errorf(types.CodeQueryError, "unknown table %q", req.Table)
	}
	col, ok := comp.Column(req.Column)
	if !ok || !col.Indexed() {
		return nil, types.Errorf(types.CodeNotSubscribable,
			"%s.%s is not an indexed column", req.Table, req.Column)
	}

	s := &sub{
		client: client,
		topic:  b.cat.Layout(comp).Topic(),
		comp:   comp,
		col:    col,
		point:  req.Point,
		desc:   req.Desc,
		limit:  req.Limit,
	}
	if req.Point {
		norm, err := col.Type.Normalize(req.Value)
		if err != nil {
			return nil, err
		}
		s.value = norm
		s.limit = 1
		s.fingerprint = Fingerprint(req.Table, req.Column, norm, nil, false, 1, col)
	} else {
		s.left, s.right = req.Left, req.Right
		s.fingerprint = Fingerprint(req.Table, req.Column, req.Left, req.Right, req.Desc, req.Limit, col)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Same fingerprint on this connection: hand back the live handle
	// with a fresh snapshot.
	if existing, ok := b.byClient[client][s.fingerprint]; ok {
		members, rows, err := b.query(ctx, existing)
		if err != nil {
			return nil, err
		}
		existing.members = members
		return &Result{
			SubID:       existing.id,
			Fingerprint: existing.fingerprint,
			Snapshot:    snapshot(rows),
		}, nil
	}

	members, rows, err := b.query(ctx, s)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 && (s.point || !req.Force) {
		return &Result{Fingerprint: s.fingerprint, Snapshot: snapshot(rows)}, nil
	}

	// Budget gates only new handles; the dedupe branch above returned the
	// existing one.
	if req.Budget > 0 && b.countLocked(client, s.kind()) >= req.Budget {
		return nil, types.Errorf(types.CodeSubscriptionBudget,
			"%s subscription budget of %d reached", s.kind(), req.Budget)
	}

	b.nextID++
	s.id = b.nextID
	s.members = members
	s.pending = make(map[uint64]RowUpdate)

	if err := b.watch(s); err != nil {
		return nil, err
	}
	b.subs[s.id] = s
	if b.byClient[client] == nil {
		b.byClient[client] = make(map[string]*sub)
	}
	b.byClient[client][s.fingerprint] = s
	metrics.SubscriptionsActive.WithLabelValues(s.kind()).Inc()

	logger := log.WithConn(client.ID())
	logger.Debug().
		Uint64("sub", s.id).
		Str("fingerprint", s.fingerprint).
		Msg("subscription opened")

	return &Result{
		SubID:       s.id,
		Fingerprint: s.fingerprint,
		Snapshot:    snapshot(rows),
	}, nil
}

// Unsubscribe releases one handle. Unknown ids are ignored; releasing a
// handle twice is harmless.
func (b *Broker) Unsubscribe(client Client, subID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[subID]
	if !ok || s.client != client {
		return
	}
	b.drop(s)
}

// CloseClient releases every handle held by a connection.
func (b *Broker) CloseClient(client Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.byClient[client] {
		b.drop(s)
	}
	delete(b.byClient, client)
}

// Count returns the number of live subscriptions held by a connection,
// split by kind.
func (b *Broker) Count(client Client, kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countLocked(client, kind)
}

func (b *Broker) countLocked(client Client, kind string) int {
	n := 0
	for _, s := range b.byClient[client] {
		if s.kind() == kind {
			n++
		}
	}
	return n
}

// ActiveSubscriptions implements the metrics sampler view.
func (b *Broker) ActiveSubscriptions() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string]int{"row": 0, "range": 0}
	for _, s := range b.subs {
		out[s.kind()]++
	}
	return out
}

// drop removes a subscription; caller holds the lock.
func (b *Broker) drop(s *sub) {
	delete(b.subs, s.id)
	if m := b.byClient[s.client]; m != nil {
		delete(m, s.fingerprint)
	}
	metrics.SubscriptionsActive.WithLabelValues(s.kind()).Dec()

	w := b.topics[s.topic]
	if w == nil {
		return
	}
	delete(w.subs, s.id)
	if len(w.subs) == 0 {
		be := b.cat.ComponentBackend(s.comp)
		be.Unsubscribe(s.topic, w.ch)
		close(w.done)
		delete(b.topics, s.topic)
	}
}

// watch attaches a subscription to its topic watcher, starting one on
// first use; caller holds the lock.
func (b *Broker) watch(s *sub) error {
	w, ok := b.topics[s.topic]
	if !ok {
		be := b.cat.ComponentBackend(s.comp)
		ch, err := be.Subscribe(s.topic)
		if err != nil {
			return fmt.Errorf("failed to watch topic %s: %w", s.topic, err)
		}
		w = &topicWatcher{
			topic: s.topic,
			ch:    ch,
			subs:  make(map[uint64]*sub),
			done:  make(chan struct{}),
		}
		b.topics[s.topic] = w
		go b.run(w)
	}
	w.subs[s.id] = s
	return nil
}

// run consumes one topic's ordered change feed.
func (b *Broker) run(w *topicWatcher) {
	for {
		select {
		case change, ok := <-w.ch:
			if !ok {
				return
			}
			b.notify(w, change)
		case <-w.done:
			return
		}
	}
}

// notify re-resolves every subscription on the topic against the change
// and delivers membership diffs. One committed transaction yields at
// most one update per subscription.
func (b *Broker) notify(w *topicWatcher, change *backend.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var evicted []*sub
	for _, s := range w.subs {
		members, rows, err := b.query(context.Background(), s)
		if err != nil {
			// A broken subscription never kills the connection; it is
			// evicted alone.
			logger := log.WithConn(s.client.ID())
			logger.Warn().
				Err(err).
				Uint64("sub", s.id).
				Msg("subscription query failed, evicting")
			evicted = append(evicted, s)
			continue
		}

		diff := diffMembers(s, members, rows)
		s.members = members
		if len(diff) == 0 && len(s.pending) == 0 {
			continue
		}
		for _, ru := range diff {
			s.pending[ru.ID] = ru
		}
		if len(s.pending) > pendingLimit {
			evicted = append(evicted, s)
			continue
		}
		if s.client.Deliver(Update{SubID: s.id, Rows: flatten(s.pending)}) {
			metrics.UpdatesTotal.Inc()
			s.pending = make(map[uint64]RowUpdate)
			s.attempts = 0
		} else {
			// The backlog must drain even if the topic goes quiet.
			b.scheduleFlush(s)
		}
	}

	for _, s := range evicted {
		b.drop(s)
		metrics.SubscriptionEvictions.Inc()
		s.client.Evicted(s.id, types.NewError(types.CodeSubscriptionEvicted,
			"subscription fell too far behind"))
	}
}

// scheduleFlush arms a retry of the subscription's pending backlog;
// caller holds the lock. At most one timer is in flight per sub.
func (b *Broker) scheduleFlush(s *sub) {
	if s.flushScheduled {
		return
	}
	s.flushScheduled = true
	id := s.id
	time.AfterFunc(redeliverInterval, func() { b.flush(id) })
}

// flush re-attempts delivery of a coalesced backlog independently of
// topic traffic. Repeated failure evicts the subscription rather than
// holding its state forever.
func (b *Broker) flush(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[id]
	if !ok {
		return
	}
	s.flushScheduled = false
	if len(s.pending) == 0 {
		s.attempts = 0
		return
	}
	if s.client.Deliver(Update{SubID: s.id, Rows: flatten(s.pending)}) {
		metrics.UpdatesTotal.Inc()
		s.pending = make(map[uint64]RowUpdate)
		s.attempts = 0
		return
	}
	s.attempts++
	if s.attempts >= maxRedeliverAttempts {
		b.drop(s)
		metrics.SubscriptionEvictions.Inc()
		s.client.Evicted(s.id, types.NewError(types.CodeSubscriptionEvicted,
			"delivery retries exhausted"))
		return
	}
	b.scheduleFlush(s)
}

// query runs the subscription's read against a fresh read-only session
// and returns the visible membership.
func (b *Broker) query(ctx context.Context, s *sub) (map[uint64]string, []*session.Row, error) {
	sess := session.New(b.cat, b.ids, session.ReadOnly(), session.WithCaller(s.client.Caller()))
	var (
		rows []*session.Row
		err  error
	)
	if s.point {
		var row *session.Row
		row, err = sess.Get(ctx, s.comp, s.value, s.col.Name)
		if row != nil {
			rows = []*session.Row{row}
		}
	} else {
		rows, err = sess.Range(ctx, s.comp, s.col.Name, s.left, s.right, s.limit, s.desc)
	}
	if err != nil {
		return nil, nil, err
	}

	visible := rows[:0]
	for _, row := range rows {
		if row.VisibleTo(s.client.Caller()) {
			visible = append(visible, row)
		}
	}

	members := make(map[uint64]string, len(visible))
	for _, row := range visible {
		members[row.ID()] = signature(s.comp, row)
	}
	return members, visible, nil
}

// diffMembers turns an old-vs-new membership comparison into row
// updates: arrivals insert, departures delete, changed rows update.
func diffMembers(s *sub, members map[uint64]string, rows []*session.Row) []RowUpdate {
	var out []RowUpdate
	for _, row := range rows {
		old, seen := s.members[row.ID()]
		switch {
		case !seen:
			out = append(out, RowUpdate{Op: "insert", ID: row.ID(), Values: row.Values()})
		case old != members[row.ID()]:
			out = append(out, RowUpdate{Op: "update", ID: row.ID(), Values: row.Values()})
		}
	}
	for id := range s.members {
		if _, still := members[id]; !still {
			out = append(out, RowUpdate{Op: "delete", ID: id})
		}
	}
	return out
}

func flatten(pending map[uint64]RowUpdate) []RowUpdate {
	out := make([]RowUpdate, 0, len(pending))
	for _, ru := range pending {
		out = append(out, ru)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// signature encodes a row's column values for change detection.
func signature(comp *schema.Component, row *session.Row) string {
	var b strings.Builder
	for _, col := range comp.Columns {
		b.WriteString(col.Type.Encode(row.Get(col.Name)))
		b.WriteByte('\x00')
	}
	return b.String()
}

func snapshot(rows []*session.Row) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Values())
	}
	return out
}
