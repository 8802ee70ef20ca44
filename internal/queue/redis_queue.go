package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"plugin-runner/internal/config"
	"plugin-runner/internal/models"
)

// RedisQueue keeps ready message ids in a list, leased ids in a sorted set
// scored by lease deadline, and bodies in per-message keys.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	msgPrefix     string
	escalationKey string
	visibilityTTL time.Duration
}

// NewRedisClient builds the shared client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue on top of client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "plugin-tasks"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	escalations := cfg.EscalationKey
	if escalations == "" {
		escalations = "queue:escalations"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      fmt.Sprintf("queue:%s:ready", name),
		inflightKey:   fmt.Sprintf("queue:%s:inflight", name),
		msgPrefix:     fmt.Sprintf("queue:%s:msg:", name),
		escalationKey: escalations,
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) msgKey(id string) string {
	return q.msgPrefix + id
}

// Publish stores the chain body and makes it visible to workers in one
// transaction. Any error means the chain was not scheduled.
func (q *RedisQueue) Publish(ctx context.Context, chain models.Chain) error {
	msg := message{ID: uuid.New().String(), Chain: chain, EnqueuedAt: time.Now().UTC()}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.msgKey(msg.ID), body, 0)
	pipe.RPush(ctx, q.readyKey, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Receive leases the next ready message. It returns false when the queue is
// empty. A message whose body is gone is dropped.
func (q *RedisQueue) Receive(ctx context.Context) (Delivery, bool, error) {
	for {
		res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
		if errors.Is(err, redis.Nil) {
			return Delivery{}, false, nil
		}
		if err != nil {
			return Delivery{}, false, err
		}
		id, ok := res.(string)
		if !ok {
			return Delivery{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
		}

		body, err := q.client.Get(ctx, q.msgKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			_ = q.Ack(ctx, id)
			continue
		}
		if err != nil {
			return Delivery{}, false, fmt.Errorf("read message %s: %w", id, err)
		}
		var msg message
		if err := json.Unmarshal(body, &msg); err != nil {
			_ = q.Ack(ctx, id)
			return Delivery{}, false, fmt.Errorf("decode message %s: %w", id, err)
		}
		return Delivery{ID: id, Chain: msg.Chain, EnqueuedAt: msg.EnqueuedAt}, true, nil
	}
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a message from in-flight tracking and deletes its body.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.msgKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired makes messages whose lease ran out visible again. The
// worker that picks them up decides what an abandoned run means.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	requeued := make([]string, 0, len(ids))
	for _, id := range ids {
		// ZREM decides ownership so two pollers never both requeue an id.
		moved, err := requeueScript.Run(ctx, q.client, []string{q.inflightKey, q.readyKey}, id).Int()
		if err != nil {
			return requeued, err
		}
		if moved == 1 {
			requeued = append(requeued, id)
		}
	}
	return requeued, nil
}

// ReadyDepth returns the ready list length.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InflightDepth returns the number of leased messages.
func (q *RedisQueue) InflightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// PushEscalation appends a job id to the operator escalation list.
func (q *RedisQueue) PushEscalation(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.escalationKey, jobID).Err()
}

// PeekEscalations reads the oldest escalated job ids. A count <= 0 reads all.
func (q *RedisQueue) PeekEscalations(ctx context.Context, count int64) ([]string, error) {
	stop := count - 1
	if count <= 0 {
		stop = -1
	}
	return q.client.LRange(ctx, q.escalationKey, 0, stop).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)
