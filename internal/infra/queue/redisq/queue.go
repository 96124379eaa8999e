package redisq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/vietddude/relayd/internal/core/timeutil"
	"github.com/vietddude/relayd/internal/infra/queue"
	redisclient "github.com/vietddude/relayd/internal/infra/redis"
)

// claimScript atomically claims up to max due messages: it bumps the receive
// count, hides the message for the visibility window, and reroutes any message
// past the receive ceiling to the paired dead-letter queue. Doing this in one
// script means two pollers can never claim the same message inside a window.
var claimScript = goredis.NewScript(`
local sched = KEYS[1]
local prefix = ARGV[1]
local dlqprefix = ARGV[2]
local now = tonumber(ARGV[3])
local vis = tonumber(ARGV[4])
local max = tonumber(ARGV[5])
local maxrecv = tonumber(ARGV[6])
local ids = redis.call('ZRANGEBYSCORE', sched, '-inf', now, 'LIMIT', 0, max)
local out = {}
for _, id in ipairs(ids) do
	local key = prefix .. ':msg:' .. id
	local recv = redis.call('HINCRBY', key, 'receives', 1)
	local body = redis.call('HGET', key, 'body')
	if not body then
		redis.call('ZREM', sched, id)
		redis.call('DEL', key)
	elseif dlqprefix ~= '' and maxrecv > 0 and recv > maxrecv then
		redis.call('ZREM', sched, id)
		redis.call('DEL', key)
		redis.call('HSET', dlqprefix .. ':msg:' .. id, 'body', body, 'receives', 0)
		redis.call('ZADD', dlqprefix .. ':sched', now, id)
	else
		redis.call('ZADD', sched, now + vis, id)
		table.insert(out, id)
		table.insert(out, body)
		table.insert(out, tostring(recv))
	end
end
return out
`)

// Config holds queue transport configuration.
type Config struct {
	Name              string            `yaml:"name"`
	DLQName           string            `yaml:"dlq_name"`
	VisibilityTimeout timeutil.Duration `yaml:"visibility_timeout"`
	MaxReceiveCount   int               `yaml:"max_receive_count"`
}

// Queue implements queue.Queue on Redis sorted sets. Messages live in a hash
// keyed by id; the sorted set orders ids by the time they next become visible.
type Queue struct {
	client     *redisclient.Client
	name       string
	dlqName    string // empty for a queue with no dead-letter pairing
	visibility time.Duration
	maxReceive int
}

// NewQueue creates the main queue with dead-letter rerouting.
func NewQueue(client *redisclient.Client, cfg Config) *Queue {
	visibility := cfg.VisibilityTimeout.Std()
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	maxReceive := cfg.MaxReceiveCount
	if maxReceive == 0 {
		maxReceive = 3
	}
	return &Queue{
		client:     client,
		name:       cfg.Name,
		dlqName:    cfg.DLQName,
		visibility: visibility,
		maxReceive: maxReceive,
	}
}

// NewDLQ creates the dead-letter side of a queue pair. It has no onward
// rerouting; its consumer is expected to delete every message it handles.
func NewDLQ(client *redisclient.Client, cfg Config) *Queue {
	visibility := cfg.VisibilityTimeout.Std()
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &Queue{
		client:     client,
		name:       cfg.DLQName,
		visibility: visibility,
	}
}

func (q *Queue) schedKey() string {
	return q.name + ":sched"
}

func (q *Queue) msgKey(id string) string {
	return fmt.Sprintf("%s:msg:%s", q.name, id)
}

// Send publishes a message body.
func (q *Queue) Send(ctx context.Context, body []byte) error {
	id := uuid.NewString()
	rdb := q.client.RDB()

	if err := rdb.HSet(ctx, q.msgKey(id), "body", body, "receives", 0).Err(); err != nil {
		return fmt.Errorf("hset failed: %w", err)
	}
	score := float64(time.Now().UnixMilli())
	if err := rdb.ZAdd(ctx, q.schedKey(), goredis.Z{Score: score, Member: id}).Err(); err != nil {
		return fmt.Errorf("zadd failed: %w", err)
	}
	return nil
}

// Receive pulls up to max messages, polling until wait elapses if none are
// due. Returned messages stay hidden for the visibility window.
func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	deadline := time.Now().Add(wait)

	for {
		msgs, err := q.claim(ctx, max)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || time.Now().After(deadline) {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (q *Queue) claim(ctx context.Context, max int) ([]queue.Message, error) {
	res, err := claimScript.Run(ctx, q.client.RDB(),
		[]string{q.schedKey()},
		q.name, q.dlqName,
		time.Now().UnixMilli(), q.visibility.Milliseconds(),
		max, q.maxReceive,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("claim script failed: %w", err)
	}

	raw, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected claim result type %T", res)
	}

	msgs := make([]queue.Message, 0, len(raw)/3)
	for i := 0; i+2 < len(raw); i += 3 {
		id, _ := raw[i].(string)
		body, _ := raw[i+1].(string)
		recv, _ := raw[i+2].(string)
		count, _ := strconv.Atoi(recv)
		msgs = append(msgs, queue.Message{
			ID:            id,
			Body:          []byte(body),
			ReceiptHandle: id,
			ReceiveCount:  count,
		})
	}
	return msgs, nil
}

// Delete removes a message by its receipt handle.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	rdb := q.client.RDB()

	removed, err := rdb.ZRem(ctx, q.schedKey(), receiptHandle).Result()
	if err != nil {
		return fmt.Errorf("zrem failed: %w", err)
	}
	if removed == 0 {
		// Unknown or stale receipt: nothing was claimed, so nothing may be
		// written either.
		return queue.ErrReceiptNotFound
	}
	if err := rdb.Del(ctx, q.msgKey(receiptHandle)).Err(); err != nil {
		return fmt.Errorf("del failed: %w", err)
	}
	return nil
}

// Size returns the number of messages currently visible.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := q.client.RDB().ZCount(ctx, q.schedKey(), "-inf", now).Result()
	if err != nil {
		return 0, fmt.Errorf("zcount failed: %w", err)
	}
	return n, nil
}
