package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/msageha/conveyor/internal/codec"
	"github.com/msageha/conveyor/internal/model"
)

// Redis keeps each queue in four keys sharing a hash tag:
//
//	<prefix>:{<queue>}:ready     ZSET id -> ready time (µs)
//	<prefix>:{<queue>}:inflight  ZSET id -> visibility deadline (µs)
//	<prefix>:{<queue>}:msgs      HASH id -> encoded envelope
//	<prefix>:{<queue>}:dead      LIST of encoded dead-lettered envelopes
//
// plus <prefix>:{<queue>}:malformed for messages that failed to decode.
type Redis struct {
	client *redis.Client
	prefix string
	opts   Options

	mu     sync.Mutex
	queued map[string]redisLease // in-flight id -> lease, for Ack
}

type redisLease struct {
	queue    string
	deadline time.Time
}

func NewRedis(cfg model.RedisConfig, opts Options) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisClient(client, cfg.Prefix, opts)
}

func NewRedisClient(client *redis.Client, prefix string, opts Options) *Redis {
	if prefix == "" {
		prefix = model.DefaultRedisPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
		opts:   opts.withDefaults(),
		queued: make(map[string]redisLease),
	}
}

func (r *Redis) key(queue, kind string) string {
	return fmt.Sprintf("%s:{%s}:%s", r.prefix, queue, kind)
}

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

// fence is the in-flight score a settlement must match, or "" for an
// envelope that carries no lease.
func fence(deadline time.Time) string {
	if deadline.IsZero() {
		return ""
	}
	return strconv.FormatInt(micros(deadline), 10)
}

// wrap maps transport failures to ErrUnavailable. Server replies (script
// errors, WRONGTYPE) and context errors pass through.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

var enqueueCmd = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
return 1
`)

func (r *Redis) Enqueue(ctx context.Context, env *model.TaskEnvelope, delay time.Duration) error {
	raw, err := codec.Encode(stored(env))
	if err != nil {
		return err
	}
	keys := []string{r.key(env.Queue, "msgs"), r.key(env.Queue, "ready")}
	res, err := enqueueCmd.Run(ctx, r.client, keys, env.ID, raw, micros(time.Now().Add(delay))).Int64()
	if err != nil {
		return wrap(err)
	}
	if res == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, env.ID)
	}
	return nil
}

// pollCmd re-queues expired leases, then moves up to ARGV[2] ready ids into
// the in-flight set and returns id/message pairs.
var pollCmd = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[2], id)
	redis.call("ZADD", KEYS[1], ARGV[1], id)
end
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	local msg = redis.call("HGET", KEYS[3], id)
	if msg then
		redis.call("ZADD", KEYS[2], ARGV[3], id)
		table.insert(out, id)
		table.insert(out, msg)
	end
end
return out
`)

var malformedCmd = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("RPUSH", KEYS[3], ARGV[2])
return 1
`)

func (r *Redis) Poll(ctx context.Context, queues []string, max int) ([]*model.TaskEnvelope, error) {
	var out []*model.TaskEnvelope
	for _, q := range queues {
		if len(out) >= max {
			break
		}
		now := time.Now()
		deadline := now.Add(r.opts.Visibility)
		keys := []string{r.key(q, "ready"), r.key(q, "inflight"), r.key(q, "msgs")}
		res, err := pollCmd.Run(ctx, r.client, keys, micros(now), max-len(out), micros(deadline)).Slice()
		if err != nil {
			return out, wrap(err)
		}
		for i := 0; i+1 < len(res); i += 2 {
			id, _ := res[i].(string)
			msg, _ := res[i+1].(string)
			env, err := codec.Decode([]byte(msg))
			if err != nil {
				r.opts.malformed(q, []byte(msg), err)
				mkeys := []string{r.key(q, "inflight"), r.key(q, "msgs"), r.key(q, "malformed")}
				if merr := malformedCmd.Run(ctx, r.client, mkeys, id, msg).Err(); merr != nil {
					r.opts.Logger.Warn("malformed_move_failed queue=%s id=%s error=%v", q, id, merr)
				}
				continue
			}
			r.track(env.ID, redisLease{queue: q, deadline: deadline})
			out = append(out, leaseCopy(env, deadline))
		}
	}
	return out, nil
}

func (r *Redis) track(id string, l redisLease) {
	r.mu.Lock()
	r.queued[id] = l
	r.mu.Unlock()
}

func (r *Redis) untrack(id string) {
	r.mu.Lock()
	delete(r.queued, id)
	r.mu.Unlock()
}

// untrackLease forgets env's lease unless a newer poll has replaced it.
func (r *Redis) untrackLease(env *model.TaskEnvelope) {
	r.mu.Lock()
	if l, ok := r.queued[env.ID]; ok && sameLease(env, l.deadline) {
		delete(r.queued, env.ID)
	}
	r.mu.Unlock()
}

func (r *Redis) leaseOf(id string) (redisLease, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.queued[id]
	return l, ok
}

// Settlement scripts only act while the in-flight score still equals the
// deadline of the caller's lease; a lease that expired and was taken by
// another consumer carries a different score.
var ackCmd = redis.NewScript(`
local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
if not score or (ARGV[2] ~= "" and tonumber(score) ~= tonumber(ARGV[2])) then
	return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
return 1
`)

func (r *Redis) Ack(ctx context.Context, id string) error {
	l, ok := r.leaseOf(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	q := l.queue
	res, err := ackCmd.Run(ctx, r.client, []string{r.key(q, "inflight"), r.key(q, "msgs")}, id, fence(l.deadline)).Int64()
	if err != nil {
		return wrap(err)
	}
	r.untrack(id)
	if res == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

var nackCmd = redis.NewScript(`
local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
if not score or (ARGV[4] ~= "" and tonumber(score) ~= tonumber(ARGV[4])) then
	return 0
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
return 1
`)

func (r *Redis) Nack(ctx context.Context, env *model.TaskEnvelope, delay time.Duration) error {
	raw, err := codec.Encode(stored(env))
	if err != nil {
		return err
	}
	keys := []string{r.key(env.Queue, "inflight"), r.key(env.Queue, "ready"), r.key(env.Queue, "msgs")}
	res, err := nackCmd.Run(ctx, r.client, keys, env.ID, raw, micros(time.Now().Add(delay)), fence(env.VisibilityDeadline)).Int64()
	if err != nil {
		return wrap(err)
	}
	r.untrackLease(env)
	if res == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, env.ID)
	}
	return nil
}

// deadLetterCmd pushes to the dead list only when the message was still
// stored, so a repeated call for the same id is a no-op. It returns -1 when
// the message is still queued but no longer under the caller's lease.
var deadLetterCmd = redis.NewScript(`
if ARGV[3] ~= "" then
	local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
	if not score then
		if redis.call("HEXISTS", KEYS[3], ARGV[1]) == 1 then
			return -1
		end
		return 0
	end
	if tonumber(score) ~= tonumber(ARGV[3]) then
		return -1
	end
end
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
if redis.call("HDEL", KEYS[3], ARGV[1]) == 1 then
	redis.call("RPUSH", KEYS[4], ARGV[2])
	return 1
end
return 0
`)

func (r *Redis) DeadLetter(ctx context.Context, env *model.TaskEnvelope) error {
	raw, err := codec.Encode(stored(env))
	if err != nil {
		return err
	}
	q := env.Queue
	keys := []string{r.key(q, "inflight"), r.key(q, "ready"), r.key(q, "msgs"), r.key(q, "dead")}
	res, err := deadLetterCmd.Run(ctx, r.client, keys, env.ID, raw, fence(env.VisibilityDeadline)).Int64()
	if err != nil {
		return wrap(err)
	}
	if res < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, env.ID)
	}
	r.untrackLease(env)
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return wrap(r.client.Ping(ctx).Err())
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Depth(ctx context.Context, queue string) (Depth, error) {
	pipe := r.client.Pipeline()
	ready := pipe.ZCard(ctx, r.key(queue, "ready"))
	inflight := pipe.ZCard(ctx, r.key(queue, "inflight"))
	dead := pipe.LLen(ctx, r.key(queue, "dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, wrap(err)
	}
	return Depth{Ready: int(ready.Val()), InFlight: int(inflight.Val()), Dead: int(dead.Val())}, nil
}

func (r *Redis) DeadLetters(ctx context.Context, queue string) ([]*model.TaskEnvelope, error) {
	raws, err := r.client.LRange(ctx, r.key(queue, "dead"), 0, -1).Result()
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]*model.TaskEnvelope, 0, len(raws))
	for _, raw := range raws {
		env, err := codec.Decode([]byte(raw))
		if err != nil {
			r.opts.Logger.Warn("dead_letter_decode_failed queue=%s error=%v", queue, err)
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

var (
	_ Broker    = (*Redis)(nil)
	_ Producer  = (*Redis)(nil)
	_ Inspector = (*Redis)(nil)
)
