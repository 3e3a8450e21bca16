package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/careflow/appointment-pipeline/internal/queue"
)

// QueueOptions tunes one channel. Zero values fall back to the defaults
// below.
type QueueOptions struct {
	MaxAttempts  int
	Visibility   time.Duration
	PollInterval time.Duration
	DedupTTL     time.Duration
}

const (
	defaultMaxAttempts  = 5
	defaultVisibility   = 30 * time.Second
	defaultPollInterval = 2 * time.Second
	defaultDedupTTL     = 45 * 24 * time.Hour
)

// redisQueue implements queue.Queue on Redis primitives:
//
//	queue:{name}:ready     list of visible envelopes
//	queue:{name}:delayed   zset of envelopes scored by delivery time
//	queue:{name}:inflight  list of received, unacknowledged envelopes
//	queue:{name}:deadline  zset of inflight envelopes scored by visibility deadline
//	queue:{name}:dead      list of dead-letter envelopes
//	queue:{name}:dedup:*   enqueue deduplication keys
//
// Reclaimed envelopes keep their attempt count; the budget is charged on
// explicit Retry, and crashed-worker redeliveries are absorbed by handler
// idempotency instead.
type redisQueue struct {
	rdb  *redis.Client
	name string
	opts QueueOptions
}

func NewQueue(rdb *redis.Client, name string, opts QueueOptions) queue.Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Visibility <= 0 {
		opts.Visibility = defaultVisibility
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = defaultDedupTTL
	}

	return &redisQueue{rdb: rdb, name: name, opts: opts}
}

func (q *redisQueue) Name() string { return q.name }

func (q *redisQueue) key(suffix string) string {
	return fmt.Sprintf("queue:%s:%s", q.name, suffix)
}

// promoteScript moves due delayed envelopes onto the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, v in ipairs(due) do
  redis.call("LPUSH", KEYS[2], v)
  redis.call("ZREM", KEYS[1], v)
end
return #due
`)

// reclaimScript returns envelopes whose visibility deadline passed from
// the inflight list to the ready list.
var reclaimScript = redis.NewScript(`
local stale = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, v in ipairs(stale) do
  redis.call("LREM", KEYS[2], 1, v)
  redis.call("LPUSH", KEYS[3], v)
  redis.call("ZREM", KEYS[1], v)
end
return #stale
`)

// enqueueUniqueScript claims the dedup key and writes the envelope in one
// atomic step, so the key exists iff the message does. A crash can never
// strand a claimed key with no message behind it.
var enqueueUniqueScript = redis.NewScript(`
local ok = redis.call("SET", KEYS[1], "1", "NX", "PX", ARGV[1])
if not ok then
  return 0
end
if ARGV[3] == "" then
  redis.call("LPUSH", KEYS[2], ARGV[2])
else
  redis.call("ZADD", KEYS[3], ARGV[3], ARGV[2])
end
return 1
`)

const sweepBatch = 100

func (q *redisQueue) envelope(body []byte, notBefore *time.Time, attempts int) ([]byte, error) {
	msg := queue.Message{
		ID:         uuid.New(),
		Queue:      q.name,
		Body:       body,
		Attempts:   attempts,
		EnqueuedAt: time.Now().UTC(),
		NotBefore:  notBefore,
	}
	return json.Marshal(msg)
}

func (q *redisQueue) Enqueue(ctx context.Context, body []byte) error {
	raw, err := q.envelope(body, nil, 0)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := q.rdb.LPush(ctx, q.key("ready"), raw).Err(); err != nil {
		return fmt.Errorf("enqueue to %s: %w", q.name, err)
	}
	return nil
}

func (q *redisQueue) EnqueueAt(ctx context.Context, body []byte, notBefore time.Time) error {
	if !notBefore.After(time.Now()) {
		return q.Enqueue(ctx, body)
	}

	raw, err := q.envelope(body, &notBefore, 0)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	member := redis.Z{Score: float64(notBefore.Unix()), Member: raw}
	if err := q.rdb.ZAdd(ctx, q.key("delayed"), member).Err(); err != nil {
		return fmt.Errorf("enqueue delayed to %s: %w", q.name, err)
	}
	return nil
}

func (q *redisQueue) EnqueueUnique(ctx context.Context, dedupKey string, body []byte, notBefore time.Time) (bool, error) {
	var np *time.Time
	score := ""
	if notBefore.After(time.Now()) {
		np = &notBefore
		score = strconv.FormatInt(notBefore.Unix(), 10)
	}

	raw, err := q.envelope(body, np, 0)
	if err != nil {
		return false, fmt.Errorf("marshal envelope: %w", err)
	}

	n, err := enqueueUniqueScript.Run(ctx, q.rdb,
		[]string{q.key("dedup:" + dedupKey), q.key("ready"), q.key("delayed")},
		q.opts.DedupTTL.Milliseconds(), raw, score).Int()
	if err != nil {
		return false, fmt.Errorf("unique enqueue to %s: %w", q.name, err)
	}

	return n == 1, nil
}

func (q *redisQueue) Receive(ctx context.Context) (*queue.Message, error) {
	now := time.Now()
	nowArg := fmt.Sprintf("%d", now.Unix())

	if err := promoteScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("ready")},
		nowArg, sweepBatch).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("promote delayed on %s: %w", q.name, err)
	}

	if err := reclaimScript.Run(ctx, q.rdb,
		[]string{q.key("deadline"), q.key("inflight"), q.key("ready")},
		nowArg, sweepBatch).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reclaim inflight on %s: %w", q.name, err)
	}

	raw, err := q.rdb.BLMove(ctx, q.key("ready"), q.key("inflight"), "RIGHT", "LEFT", q.opts.PollInterval).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.name, err)
	}

	deadline := redis.Z{Score: float64(now.Add(q.opts.Visibility).Unix()), Member: raw}
	if err := q.rdb.ZAdd(ctx, q.key("deadline"), deadline).Err(); err != nil {
		return nil, fmt.Errorf("register visibility deadline on %s: %w", q.name, err)
	}

	var msg queue.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Poison envelope, not a stage payload problem: dead-letter it
		// directly so it cannot wedge the channel.
		_ = q.pushDead(ctx, queue.Message{Queue: q.name, Body: []byte(raw)}, "unparseable envelope")
		q.release(ctx, raw)
		return nil, nil
	}

	msg.Receipt = raw
	return &msg, nil
}

func (q *redisQueue) release(ctx context.Context, receipt string) {
	pipe := q.rdb.Pipeline()
	pipe.LRem(ctx, q.key("inflight"), 1, receipt)
	pipe.ZRem(ctx, q.key("deadline"), receipt)
	_, _ = pipe.Exec(ctx)
}

func (q *redisQueue) Ack(ctx context.Context, msg *queue.Message) error {
	q.release(ctx, msg.Receipt)
	return nil
}

func (q *redisQueue) Retry(ctx context.Context, msg *queue.Message, reason string, delay time.Duration) error {
	if msg.Attempts+1 >= q.opts.MaxAttempts {
		return q.DeadLetter(ctx, msg, fmt.Sprintf("attempt budget exhausted: %s", reason))
	}

	notBefore := time.Now().Add(delay).UTC()
	next := *msg
	next.Attempts++
	next.NotBefore = &notBefore
	next.Receipt = ""

	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal retry envelope: %w", err)
	}

	// Write the replacement before releasing the inflight copy. A crash
	// between the two at worst leaves both, and the reclaimed original is
	// a duplicate delivery the handlers already absorb.
	member := redis.Z{Score: float64(notBefore.Unix()), Member: raw}
	if err := q.rdb.ZAdd(ctx, q.key("delayed"), member).Err(); err != nil {
		return fmt.Errorf("schedule retry on %s: %w", q.name, err)
	}

	q.release(ctx, msg.Receipt)
	return nil
}

func (q *redisQueue) DeadLetter(ctx context.Context, msg *queue.Message, reason string) error {
	// Same ordering as Retry: record the dead letter, then release.
	if err := q.pushDead(ctx, *msg, reason); err != nil {
		return err
	}
	q.release(ctx, msg.Receipt)
	return nil
}

func (q *redisQueue) pushDead(ctx context.Context, msg queue.Message, reason string) error {
	dl := queue.DeadLetter{
		Message:       msg,
		FailureReason: reason,
		FailedAt:      time.Now().UTC(),
		AttemptCount:  msg.Attempts + 1,
	}

	raw, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	if err := q.rdb.LPush(ctx, q.key("dead"), raw).Err(); err != nil {
		return fmt.Errorf("dead-letter on %s: %w", q.name, err)
	}
	return nil
}

func (q *redisQueue) Depth(ctx context.Context) (ready, delayed, dead int64, err error) {
	pipe := q.rdb.Pipeline()
	readyCmd := pipe.LLen(ctx, q.key("ready"))
	delayedCmd := pipe.ZCard(ctx, q.key("delayed"))
	deadCmd := pipe.LLen(ctx, q.key("dead"))

	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("queue depth on %s: %w", q.name, err)
	}

	return readyCmd.Val(), delayedCmd.Val(), deadCmd.Val(), nil
}
