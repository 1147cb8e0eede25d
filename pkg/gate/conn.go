package gate

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/cradlegames/keystone/pkg/broker"
	"github.com/cradlegames/keystone/pkg/log"
	"github.com/cradlegames/keystone/pkg/metrics"
	"github.com/cradlegames/keystone/pkg/session"
	"github.com/cradlegames/keystone/pkg/types"
)

// Conn is one client connection's server-side state. It implements the
// executor's and the broker's connection views. Inbound messages are
// dispatched serially by the owning worker; Deliver and Evicted may be
// called concurrently from broker watchers.
type Conn struct {
	id       string
	remoteIP string
	gate     *Gate

	mu       sync.Mutex
	identity types.Identity
	role     types.Permission
	recv     *rateLimiter
	send     *rateLimiter
	lastRPC  time.Time
	done     bool

	// pendingRsp collects the in-flight RPC's emissions; exactly one rsp
	// frame goes out per rpc frame.
	pendingRsp []any

	subByID map[uint64]string // broker id -> wire fingerprint
	subByFP map[string]uint64

	outbound chan []byte
	closed   chan struct{}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Caller returns the connection's current identity.
func (c *Conn) Caller() types.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Role returns the connection's current permission class.
func (c *Conn) Role() types.Permission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Outbound is the queue of frames the transport must drain.
func (c *Conn) Outbound() <-chan []byte { return c.outbound }

// Closed reports connection shutdown to the transport.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// IdleDeadline is the moment the connection times out absent new RPCs.
func (c *Conn) IdleDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRPC.Add(c.gate.cfg.IdleTimeout)
}

func (c *Conn) countedAnon() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity == types.Anonymous
}

// QueueResponse implements the executor's post-commit emission hook.
func (c *Conn) QueueResponse(payload any) {
	c.pendingRsp = append(c.pendingRsp, payload)
}

// Promote elevates the connection. The anonymous per-IP slot frees and
// the rate budgets switch to the user tier, keeping traffic history.
func (c *Conn) Promote(identity types.Identity, role types.Permission) {
	c.mu.Lock()
	wasAnon := c.identity == types.Anonymous
	c.identity = identity
	c.role = role
	c.recv.setBudgets(c.gate.cfg.UserRecv)
	c.send.setBudgets(c.gate.cfg.UserSend)
	c.mu.Unlock()

	if wasAnon && identity != types.Anonymous {
		c.gate.releaseAnonSlot(c.remoteIP)
	}
	logger := log.WithConn(c.id)
	logger.Info().
		Uint64("identity", uint64(identity)).
		Str("role", string(role)).
		Msg("connection elevated")
}

// Deliver implements the broker's push hook. False signals saturation
// (queue full or send budget exhausted) and lets the broker coalesce.
func (c *Conn) Deliver(u broker.Update) bool {
	c.mu.Lock()
	fp, ok := c.subByID[u.SubID]
	allowed := ok && c.send.allow(time.Now())
	c.mu.Unlock()
	if !ok {
		return true // handle already released, drop silently
	}
	if !allowed {
		return false
	}

	rows := make(map[string]any, len(u.Rows))
	for _, ru := range u.Rows {
		key := strconv.FormatUint(ru.ID, 10)
		if ru.Op == "delete" {
			rows[key] = nil
		} else {
			rows[key] = ru.Values
		}
	}
	return c.push([]any{"updt", fp, rows}, false)
}

// Evicted implements the broker's eviction hook.
func (c *Conn) Evicted(subID uint64, reason error) {
	c.mu.Lock()
	fp, ok := c.subByID[subID]
	delete(c.subByID, subID)
	delete(c.subByFP, fp)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.push([]any{"subErr", fp, errorEnvelope(reason)}, true)
}

// Handle dispatches one inbound frame. Returns false when the
// connection must close.
func (c *Conn) Handle(ctx context.Context, raw []byte) bool {
	if !c.allowRecv() {
		metrics.RateLimitedTotal.Inc()
		c.push([]any{"rsp", errorEnvelope(types.NewError(types.CodeRateLimited, "receive budget exhausted"))}, true)
		return true
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) == 0 {
		c.push([]any{"rsp", errorEnvelope(types.NewError(types.CodeQueryError, "malformed frame"))}, true)
		return true
	}
	var kind string
	if err := json.Unmarshal(frame[0], &kind); err != nil {
		c.push([]any{"rsp", errorEnvelope(types.NewError(types.CodeQueryError, "malformed frame"))}, true)
		return true
	}
	metrics.MessagesTotal.WithLabelValues(kind, "in").Inc()

	switch kind {
	case "rpc":
		c.handleRPC(ctx, frame[1:])
	case "sub":
		c.handleSub(ctx, frame[1:])
	case "unsub":
		c.handleUnsub(frame[1:])
	case "query":
		c.handleQuery(ctx, frame[1:])
	default:
		c.push([]any{"rsp", errorEnvelope(types.Errorf(types.CodeQueryError, "unknown message kind %q", kind))}, true)
	}
	return true
}

func (c *Conn) allowRecv() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recv.allow(time.Now())
}

// handleRPC runs ["rpc", name, args?]. Args are a single JSON object of
// named arguments; absent means none.
func (c *Conn) handleRPC(ctx context.Context, rest []json.RawMessage) {
	c.mu.Lock()
	c.lastRPC = time.Now()
	c.mu.Unlock()

	if len(rest) < 1 {
		c.push([]any{"rsp", errorEnvelope(types.NewError(types.CodeQueryError, "rpc needs a system name"))}, true)
		return
	}
	var name string
	if err := json.Unmarshal(rest[0], &name); err != nil {
		c.push([]any{"rsp", errorEnvelope(types.NewError(types.CodeQueryError, "rpc needs a system name"))}, true)
		return
	}
	args := map[string]any{}
	if len(rest) > 1 {
		if err := json.Unmarshal(rest[1], &args); err != nil {
			c.push([]any{"rsp", errorEnvelope(types.NewError(types.CodeQueryError, "rpc args must be an object"))}, true)
			return
		}
	}

	c.pendingRsp = nil
	err := c.gate.exec.Call(ctx, c, c.gate.cfg.Namespace, name, args)
	if err != nil {
		c.push([]any{"rsp", errorEnvelope(err)}, true)
		return
	}

	// Exactly one rsp per rpc: null, the single emission, or the list.
	var payload any
	switch len(c.pendingRsp) {
	case 0:
		payload = nil
	case 1:
		payload = c.pendingRsp[0]
	default:
		payload = c.pendingRsp
	}
	c.pendingRsp = nil
	c.push([]any{"rsp", payload}, true)
}

// handleSub runs ["sub", table, "get", column, value] or
// ["sub", table, "range", column, left, right, limit, desc, force].
func (c *Conn) handleSub(ctx context.Context, rest []json.RawMessage) {
	fail := func(err error) {
		c.push([]any{"subOk", nil, errorEnvelope(err)}, true)
	}
	if len(rest) < 2 {
		fail(types.NewError(types.CodeQueryError, "malformed sub"))
		return
	}
	var table, mode string
	if json.Unmarshal(rest[0], &table) != nil || json.Unmarshal(rest[1], &mode) != nil {
		fail(types.NewError(types.CodeQueryError, "malformed sub"))
		return
	}

	req := broker.Request{Namespace: c.gate.cfg.Namespace, Table: table}
	switch mode {
	case "get":
		if len(rest) < 4 {
			fail(types.NewError(types.CodeQueryError, "sub get needs column and value"))
			return
		}
		var value any
		if json.Unmarshal(rest[2], &req.Column) != nil || json.Unmarshal(rest[3], &value) != nil {
			fail(types.NewError(types.CodeQueryError, "malformed sub"))
			return
		}
		req.Point = true
		req.Value = value
		req.Budget = c.gate.cfg.RowSubBudget
	case "range":
		if len(rest) < 8 {
			fail(types.NewError(types.CodeQueryError, "sub range needs column, bounds, limit, desc, force"))
			return
		}
		var left, right any
		if json.Unmarshal(rest[2], &req.Column) != nil ||
			json.Unmarshal(rest[3], &left) != nil ||
			json.Unmarshal(rest[4], &right) != nil ||
			json.Unmarshal(rest[5], &req.Limit) != nil ||
			json.Unmarshal(rest[6], &req.Desc) != nil ||
			json.Unmarshal(rest[7], &req.Force) != nil {
			fail(types.NewError(types.CodeQueryError, "malformed sub"))
			return
		}
		req.Left, req.Right = left, right
		req.Budget = c.gate.cfg.RangeSubBudget
	default:
		fail(types.Errorf(types.CodeQueryError, "unknown sub mode %q", mode))
		return
	}

	res, err := c.gate.brk.Subscribe(ctx, c, req)
	if err != nil {
		fail(err)
		return
	}

	var wireID any
	if res.SubID != 0 {
		c.mu.Lock()
		c.subByID[res.SubID] = res.Fingerprint
		c.subByFP[res.Fingerprint] = res.SubID
		c.mu.Unlock()
		wireID = res.Fingerprint
	}

	if req.Point {
		var row any
		if len(res.Snapshot) > 0 {
			row = res.Snapshot[0]
		}
		c.push([]any{"subOk", wireID, row}, true)
		return
	}
	c.push([]any{"subOk", wireID, res.Snapshot}, true)
}

// handleUnsub runs ["unsub", subId]. No reply.
func (c *Conn) handleUnsub(rest []json.RawMessage) {
	if len(rest) < 1 {
		return
	}
	var fp string
	if json.Unmarshal(rest[0], &fp) != nil {
		return
	}
	c.mu.Lock()
	id, ok := c.subByFP[fp]
	delete(c.subByFP, fp)
	delete(c.subByID, id)
	c.mu.Unlock()
	if ok {
		c.gate.brk.Unsubscribe(c, id)
	}
}

// handleQuery runs ["query", table, column, left, right, limit, desc]:
// a one-shot range read with the same visibility filtering as
// subscriptions, without a standing handle.
func (c *Conn) handleQuery(ctx context.Context, rest []json.RawMessage) {
	fail := func(err error) {
		c.push([]any{"rsp", errorEnvelope(err)}, true)
	}
	if len(rest) < 6 {
		fail(types.NewError(types.CodeQueryError, "malformed query"))
		return
	}
	var (
		table, column string
		left, right   any
		limit         int
		desc          bool
	)
	if json.Unmarshal(rest[0], &table) != nil ||
		json.Unmarshal(rest[1], &column) != nil ||
		json.Unmarshal(rest[2], &left) != nil ||
		json.Unmarshal(rest[3], &right) != nil ||
		json.Unmarshal(rest[4], &limit) != nil ||
		json.Unmarshal(rest[5], &desc) != nil {
		fail(types.NewError(types.CodeQueryError, "malformed query"))
		return
	}

	comp, ok := c.gate.cat.Component(c.gate.cfg.Namespace, table)
	if !ok {
		fail(types.Errorf(types.CodeQueryError, "unknown table %q", table))
		return
	}

	sess := session.New(c.gate.cat, c.gate.ids, session.ReadOnly(), session.WithCaller(c.Caller()))
	rows, err := sess.Range(ctx, comp, column, left, right, limit, desc)
	if err != nil {
		fail(err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if row.VisibleTo(c.Caller()) {
			out = append(out, row.Values())
		}
	}
	c.push([]any{"rsp", out}, true)
}

// push marshals and enqueues one outbound frame. Blocking frames wait
// for queue room (request/response traffic); non-blocking frames report
// saturation to the caller.
func (c *Conn) push(frame []any, block bool) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		logger := log.WithConn(c.id)
		logger.Error().Err(err).Msg("failed to marshal frame")
		return true
	}
	if kind, ok := frame[0].(string); ok {
		metrics.MessagesTotal.WithLabelValues(kind, "out").Inc()
	}
	if block {
		select {
		case c.outbound <- data:
			return true
		case <-c.closed:
			return false
		}
	}
	select {
	case c.outbound <- data:
		return true
	default:
		return false
	}
}

// Close tears the connection down: subscriptions release, the per-IP
// anonymous slot frees, and the transport is signalled. Safe to call
// more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.mu.Unlock()

	c.gate.brk.CloseClient(c)
	c.gate.release(c)
	close(c.closed)
	metrics.ConnectionsActive.Dec()
	logger := log.WithConn(c.id)
	logger.Debug().Msg("connection closed")
}

func errorEnvelope(err error) map[string]any {
	code := types.CodeOf(err)
	if code == "" {
		// User logic may fail with plain errors; they surface as logic
		// errors.
		code = types.CodeLogicError
	}
	return map[string]any{
		"error":   string(code),
		"message": err.Error(),
	}
}
