package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// commitScript evaluates a bundle's preconditions and mutations as one
// atomic unit on the server. The bundle arrives as a JSON payload; all of
// its keys share one hash tag so the script stays single-slot. The commit
// sequence is taken and the notifications published inside the script,
// which is what makes notification order equal commit order.
const commitScript = `
local bundle = cjson.decode(ARGV[1])
local removed = {}
for _, op in ipairs(bundle.ops or {}) do
  if op.kind == 3 then
    removed[op.key] = removed[op.key] or {}
    removed[op.key][op.member] = true
  end
end
for _, c in ipairs(bundle.checks or {}) do
  if c.kind == 0 then
    local v = redis.call('HGET', c.key, '_version')
    if (not v) or (tonumber(v) ~= c.version) then
      return redis.error_reply('RACE')
    end
  elseif c.kind == 1 then
    if redis.call('EXISTS', c.key) == 1 then
      return redis.error_reply('RACE')
    end
  elseif c.kind == 2 then
    if redis.call('EXISTS', c.key) == 0 then
      return redis.error_reply('RACE')
    end
  else
    local members
    if c.numeric then
      members = redis.call('ZRANGEBYSCORE', c.indexKey, c.score, c.score)
    else
      members = redis.call('ZRANGEBYLEX', c.indexKey, '[' .. c.prefix, '[' .. c.prefix .. '\255')
    end
    for _, m in ipairs(members) do
      local id = string.match(m, '([^:]*)$')
      local dead = removed[c.indexKey] and removed[c.indexKey][m]
      if id ~= c.self and not dead then
        return redis.error_reply('UNIQUE')
      end
    end
  end
end
for _, op in ipairs(bundle.ops or {}) do
  if op.kind == 0 then
    local args = {}
    for f, v in pairs(op.fields) do
      table.insert(args, f)
      table.insert(args, v)
    end
    redis.call('DEL', op.key)
    redis.call('HSET', op.key, unpack(args))
  elseif op.kind == 1 then
    redis.call('DEL', op.key)
  elseif op.kind == 2 then
    redis.call('ZADD', op.key, op.score, op.member)
  elseif op.kind == 3 then
    redis.call('ZREM', op.key, op.member)
  end
end
local seq = redis.call('INCR', KEYS[1])
for _, n in ipairs(bundle.notify or {}) do
  redis.call('PUBLISH', n.topic, cjson.encode({topic = n.topic, seq = seq, rows = n.rows}))
end
return seq
`

// Replica is one weighted read replica endpoint.
type Replica struct {
	Addr   string
	Weight int
}

// RedisBackend implements Backend on a networked ordered-key store.
// Writes always go to the master; reads are steered to replicas by
// weighted random choice.
type RedisBackend struct {
	name        string
	master      *redis.Client
	replicas    []*redis.Client
	weights     []int
	totalWeight int
	script      *redis.Script
	notes       *notifier

	mu     sync.Mutex
	pubsub *redis.PubSub
	refs   map[string]int // topic refcounts on the shared pubsub
	cancel context.CancelFunc
}

// NewRedisBackend connects to a master and zero or more read replicas.
func NewRedisBackend(name, masterAddr string, replicas []Replica) (*RedisBackend, error) {
	master := redis.NewClient(&redis.Options{Addr: masterAddr})
	if err := master.Ping(context.Background()).Err(); err != nil {
		master.Close()
		return nil, fmt.Errorf("failed to reach master %s: %w", masterAddr, err)
	}

	b := &RedisBackend{
		name:   name,
		master: master,
		script: redis.NewScript(commitScript),
		notes:  newNotifier(),
		refs:   make(map[string]int),
	}
	for _, r := range replicas {
		weight := r.Weight
		if weight <= 0 {
			weight = 1
		}
		b.replicas = append(b.replicas, redis.NewClient(&redis.Options{Addr: r.Addr}))
		b.weights = append(b.weights, weight)
		b.totalWeight += weight
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.pubsub = master.Subscribe(ctx)
	go b.readLoop(ctx)
	return b, nil
}

func (b *RedisBackend) Name() string { return b.name }

// reader picks a replica by weighted random choice, or the master when no
// replicas are configured.
func (b *RedisBackend) reader() *redis.Client {
	if b.totalWeight == 0 {
		return b.master
	}
	pick := rand.Intn(b.totalWeight)
	for i, w := range b.weights {
		if pick < w {
			return b.replicas[i]
		}
		pick -= w
	}
	return b.master
}

func (b *RedisBackend) GetRow(ctx context.Context, key string) (map[string]string, error) {
	fields, err := b.reader().HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

func (b *RedisBackend) PutRow(ctx context.Context, key string, fields map[string]string) error {
	flat := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		flat = append(flat, f, v)
	}
	pipe := b.master.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, flat...)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBackend) DeletePrefix(ctx context.Context, prefix string) error {
	iter := b.master.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		if err := b.master.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}

func (b *RedisBackend) Range(ctx context.Context, indexKey string, q RangeQuery) ([]Member, error) {
	r := b.reader()
	count := int64(q.Limit)
	if count == 0 {
		count = -1
	}

	if q.Lex {
		min, max := "["+q.MinLex, "+"
		if q.MaxLex != "" {
			max = "[" + q.MaxLex
		}
		by := &redis.ZRangeBy{Min: min, Max: max, Count: count}
		var members []string
		var err error
		if q.Desc {
			members, err = r.ZRevRangeByLex(ctx, indexKey, by).Result()
		} else {
			members, err = r.ZRangeByLex(ctx, indexKey, by).Result()
		}
		if err != nil {
			return nil, err
		}
		out := make([]Member, len(members))
		for i, m := range members {
			out[i] = Member{Member: m}
		}
		return out, nil
	}

	by := &redis.ZRangeBy{Min: formatScore(q.Min), Max: formatScore(q.Max), Count: count}
	var zs []redis.Z
	var err error
	if q.Desc {
		zs, err = r.ZRevRangeByScoreWithScores(ctx, indexKey, by).Result()
	} else {
		zs, err = r.ZRangeByScoreWithScores(ctx, indexKey, by).Result()
	}
	if err != nil {
		return nil, err
	}
	out := make([]Member, len(zs))
	for i, z := range zs {
		out[i] = Member{Member: fmt.Sprint(z.Member), Score: z.Score}
	}
	return out, nil
}

// bundlePayload is the JSON shape handed to the commit script.
type bundlePayload struct {
	Checks []checkPayload `json:"checks,omitempty"`
	Ops    []opPayload    `json:"ops,omitempty"`
	Notify []Notification `json:"notify,omitempty"`
}

type checkPayload struct {
	Kind     int     `json:"kind"`
	Key      string  `json:"key,omitempty"`
	Version  uint64  `json:"version,omitempty"`
	IndexKey string  `json:"indexKey,omitempty"`
	Numeric  bool    `json:"numeric,omitempty"`
	Score    float64 `json:"score,omitempty"`
	Prefix   string  `json:"prefix,omitempty"`
	Self     string  `json:"self,omitempty"`
}

type opPayload struct {
	Kind   int               `json:"kind"`
	Key    string            `json:"key"`
	Fields map[string]string `json:"fields,omitempty"`
	Score  float64           `json:"score,omitempty"`
	Member string            `json:"member,omitempty"`
}

func (b *RedisBackend) Commit(ctx context.Context, bundle *Bundle) error {
	payload := bundlePayload{Notify: bundle.Notify}
	for _, c := range bundle.Checks {
		payload.Checks = append(payload.Checks, checkPayload{
			Kind: int(c.Kind), Key: c.Key, Version: c.Version,
			IndexKey: c.IndexKey, Numeric: c.Numeric, Score: c.Score,
			Prefix: c.Prefix, Self: c.SelfID,
		})
	}
	for _, op := range bundle.Ops {
		payload.Ops = append(payload.Ops, opPayload{
			Kind: int(op.Kind), Key: op.Key, Fields: op.Fields,
			Score: op.Score, Member: op.Member,
		})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	seqKey := "keystone:seq:" + bundle.Cluster
	err = b.script.Run(ctx, b.master, []string{seqKey}, string(data)).Err()
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "RACE"):
			return fmt.Errorf("%w: %s", ErrRace, bundle.Cluster)
		case strings.Contains(msg, "UNIQUE"):
			return fmt.Errorf("%w: %s", ErrUnique, bundle.Cluster)
		default:
			return err
		}
	}
	return nil
}

func (b *RedisBackend) Subscribe(topic string) (<-chan *Change, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs[topic] == 0 {
		if err := b.pubsub.Subscribe(context.Background(), topic); err != nil {
			return nil, err
		}
	}
	b.refs[topic]++
	return b.notes.Subscribe(topic), nil
}

func (b *RedisBackend) Unsubscribe(topic string, ch <-chan *Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notes.Unsubscribe(topic, ch)
	if b.refs[topic] > 0 {
		b.refs[topic]--
		if b.refs[topic] == 0 {
			delete(b.refs, topic)
			_ = b.pubsub.Unsubscribe(context.Background(), topic)
		}
	}
}

// readLoop feeds published commit notifications into the local notifier.
func (b *RedisBackend) readLoop(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				continue
			}
			b.notes.Publish(&change)
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBackend) Close() error {
	b.cancel()
	b.notes.Close()
	_ = b.pubsub.Close()
	for _, r := range b.replicas {
		_ = r.Close()
	}
	return b.master.Close()
}
