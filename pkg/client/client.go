package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/cradlegames/keystone/pkg/types"
)

// Update is one pushed batch of row changes for a subscription, keyed by
// row id. A nil value is a deletion.
type Update map[uint64]map[string]any

// Subscription is one live handle. Updates delivers pushed batches;
// the channel closes when the handle ends, with Err set if the server
// evicted it.
type Subscription struct {
	Fingerprint string
	Updates     <-chan Update

	c  *Client
	ch chan Update

	mu  sync.Mutex
	err error
}

// Err reports why the subscription ended, if the server evicted it.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Unsubscribe releases the handle. No reply is expected.
func (s *Subscription) Unsubscribe() error {
	s.c.dropSub(s.Fingerprint)
	return s.c.write("unsub", s.Fingerprint)
}

// Client is a connection to a server. Calls are serialized: one request
// is in flight at a time. Subscription pushes arrive on their own
// channels and may interleave freely.
type Client struct {
	nc net.Conn

	reqMu sync.Mutex // serializes request/response pairs
	rsp   chan []json.RawMessage

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
	err    error
}

// Dial connects to a server's client listener.
func Dial(addr string) (*Client, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c := &Client{
		nc:   nc,
		rsp:  make(chan []json.RawMessage, 1),
		subs: make(map[string]*Subscription),
	}
	go c.readLoop()
	return c, nil
}

// Close tears the connection down. Pending calls and subscription
// channels end.
func (c *Client) Close() error {
	return c.nc.Close()
}

// Call invokes a system and returns its response payload: nil, a single
// emission, or a list. Server errors carry their wire code.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	frame := []any{"rpc", name}
	if args != nil {
		frame = append(frame, args)
	}
	reply, err := c.roundTrip(ctx, frame)
	if err != nil {
		return nil, err
	}
	if len(reply) < 2 {
		return nil, types.NewError(types.CodeQueryError, "short rsp frame")
	}
	var payload any
	if err := json.Unmarshal(reply[1], &payload); err != nil {
		return nil, err
	}
	if err := asServerError(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Query runs a one-shot range read without a standing subscription.
func (c *Client) Query(ctx context.Context, table, column string, left, right any, limit int, desc bool) ([]map[string]any, error) {
	reply, err := c.roundTrip(ctx, []any{"query", table, column, left, right, limit, desc})
	if err != nil {
		return nil, err
	}
	var payload any
	if err := json.Unmarshal(reply[1], &payload); err != nil {
		return nil, err
	}
	if err := asServerError(payload); err != nil {
		return nil, err
	}
	rows, _ := payload.([]any)
	out := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		if m, ok := r.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// SubscribeRow watches the single row where column equals value. The
// returned row is the snapshot, nil if absent; an absent row also means
// no handle was established and the returned Subscription is nil.
func (c *Client) SubscribeRow(ctx context.Context, table, column string, value any) (*Subscription, map[string]any, error) {
	sub, snapshot, err := c.subscribe(ctx, []any{"sub", table, "get", column, value})
	if err != nil {
		return nil, nil, err
	}
	row, _ := snapshot.(map[string]any)
	return sub, row, nil
}

// SubscribeRange watches an index window. With force false and an empty
// snapshot no handle is established and the Subscription is nil.
func (c *Client) SubscribeRange(ctx context.Context, table, column string, left, right any, limit int, desc, force bool) (*Subscription, []map[string]any, error) {
	sub, snapshot, err := c.subscribe(ctx, []any{"sub", table, "range", column, left, right, limit, desc, force})
	if err != nil {
		return nil, nil, err
	}
	raw, _ := snapshot.([]any)
	rows := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			rows = append(rows, m)
		}
	}
	return sub, rows, nil
}

func (c *Client) subscribe(ctx context.Context, frame []any) (*Subscription, any, error) {
	reply, err := c.roundTrip(ctx, frame)
	if err != nil {
		return nil, nil, err
	}
	if len(reply) < 3 {
		return nil, nil, types.NewError(types.CodeQueryError, "short subOk frame")
	}
	var snapshot any
	if err := json.Unmarshal(reply[2], &snapshot); err != nil {
		return nil, nil, err
	}
	if err := asServerError(snapshot); err != nil {
		return nil, nil, err
	}
	var fp *string
	if err := json.Unmarshal(reply[1], &fp); err != nil {
		return nil, nil, err
	}
	if fp == nil {
		// Empty snapshot without force: no handle held.
		return nil, snapshot, nil
	}

	ch := make(chan Update, 64)
	sub := &Subscription{Fingerprint: *fp, Updates: ch, c: c, ch: ch}
	c.mu.Lock()
	if existing, ok := c.subs[*fp]; ok {
		// Same fingerprint on one connection reuses the handle.
		c.mu.Unlock()
		return existing, snapshot, nil
	}
	c.subs[*fp] = sub
	c.mu.Unlock()
	return sub, snapshot, nil
}

// roundTrip sends one frame and waits for its reply. rsp and subOk are
// the only frame kinds delivered here; pushes go to their handles.
func (c *Client) roundTrip(ctx context.Context, frame []any) ([]json.RawMessage, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.write(frame...); err != nil {
		return nil, err
	}
	select {
	case reply, ok := <-c.rsp:
		if !ok {
			return nil, c.closeErr()
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) write(frame ...any) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = c.nc.Write(append(raw, '\n'))
	return err
}

// readLoop demultiplexes inbound frames: replies to the waiting call,
// pushes to their subscription channels.
func (c *Client) readLoop() {
	r := bufio.NewReader(c.nc)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			c.shutdown(err)
			return
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(line, &frame); err != nil || len(frame) == 0 {
			continue
		}
		var kind string
		if json.Unmarshal(frame[0], &kind) != nil {
			continue
		}
		switch kind {
		case "rsp", "subOk":
			select {
			case c.rsp <- frame:
			default:
				// Unsolicited reply, drop.
			}
		case "updt":
			c.routeUpdate(frame)
		case "subErr":
			c.routeEviction(frame)
		}
	}
}

func (c *Client) routeUpdate(frame []json.RawMessage) {
	if len(frame) < 3 {
		return
	}
	var fp string
	if json.Unmarshal(frame[1], &fp) != nil {
		return
	}
	var rows map[string]map[string]any
	if json.Unmarshal(frame[2], &rows) != nil {
		return
	}
	update := make(Update, len(rows))
	for key, values := range rows {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			continue
		}
		update[id] = values
	}

	c.mu.Lock()
	sub := c.subs[fp]
	c.mu.Unlock()
	if sub == nil {
		return
	}
	select {
	case sub.ch <- update:
	default:
		// Consumer is behind; the server coalesces, we drop.
	}
}

func (c *Client) routeEviction(frame []json.RawMessage) {
	if len(frame) < 3 {
		return
	}
	var fp string
	if json.Unmarshal(frame[1], &fp) != nil {
		return
	}
	var env map[string]any
	_ = json.Unmarshal(frame[2], &env)

	c.mu.Lock()
	sub := c.subs[fp]
	delete(c.subs, fp)
	c.mu.Unlock()
	if sub == nil {
		return
	}
	sub.mu.Lock()
	sub.err = envelopeError(env)
	sub.mu.Unlock()
	close(sub.ch)
}

func (c *Client) dropSub(fp string) {
	c.mu.Lock()
	sub := c.subs[fp]
	delete(c.subs, fp)
	c.mu.Unlock()
	if sub != nil {
		close(sub.ch)
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	close(c.rsp)
	for _, sub := range subs {
		close(sub.ch)
	}
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return net.ErrClosed
}

// asServerError maps an error envelope payload to a typed error.
func asServerError(payload any) error {
	env, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	code, ok := env["error"].(string)
	if !ok {
		return nil
	}
	message, _ := env["message"].(string)
	return types.NewError(types.Code(code), message)
}

func envelopeError(env map[string]any) error {
	if err := asServerError(env); err != nil {
		return err
	}
	return types.NewError(types.CodeSubscriptionEvicted, "subscription ended")
}
