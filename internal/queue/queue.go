// Package queue is the durable handoff between the Ingress Gateway and
// the Queue Consumer (spec §4.1/§4.2). The wire format is opaque
// provider-envelope bytes; this package owns no schema for them.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one durable queue entry. ReceiptHandle identifies this
// particular delivery (not the message), so Ack/Nack target the
// delivery a redelivery would otherwise duplicate.
type Message struct {
	Body          []byte
	ReceiptHandle string
}

// Queue abstracts the durable queue the spec describes in SQS terms
// (long-poll, visibility timeout, batch receive); Redis stands in for
// it here (spec §6: "Queue message format... no schema owned by the
// core").
type Queue interface {
	Send(ctx context.Context, body []byte) error
	Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]Message, error)
	Ack(ctx context.Context, m Message) error
	Nack(ctx context.Context, m Message) error
}

// RedisQueue implements Queue with a Redis list as the durable store, a
// parallel in-flight hash (handle -> body) standing in for SQS's
// visibility timeout, and a ZSET of handle -> deadline (unix nanos) so
// each in-flight message's timeout is tracked independently rather than
// as one TTL on the whole hash — otherwise every new Receive would push
// back every other in-flight message's expiry, and an actual expiry
// would drop the whole in-flight batch instead of redelivering it.
// ReclaimExpired must be polled (e.g. by a reaper goroutine in
// cmd/funnel) to move expired handles back onto the main list; Nack
// does the equivalent immediately, on the consumer's own initiative.
type RedisQueue struct {
	Client            *redis.Client
	Key               string
	VisibilityTimeout time.Duration
}

func NewRedisQueue(client *redis.Client, key string, visibilityTimeout time.Duration) *RedisQueue {
	return &RedisQueue{Client: client, Key: key, VisibilityTimeout: visibilityTimeout}
}

func (q *RedisQueue) inflightKey() string { return q.Key + ":inflight" }
func (q *RedisQueue) deadlineKey() string { return q.Key + ":deadlines" }

func (q *RedisQueue) Send(ctx context.Context, body []byte) error {
	if err := q.Client.LPush(ctx, q.Key, body).Err(); err != nil {
		return fmt.Errorf("redis queue send: %w", err)
	}
	return nil
}

// Receive long-polls up to waitTime for up to maxMessages entries,
// mirroring SQS's WaitTimeSeconds/MaxNumberOfMessages (spec §4.2: wait
// up to 20s, batch ≤10).
func (q *RedisQueue) Receive(ctx context.Context, maxMessages int, waitTime time.Duration) ([]Message, error) {
	deadline := time.Now().Add(waitTime)
	var out []Message
	for len(out) < maxMessages && time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		result, err := q.Client.BRPop(ctx, remaining, q.Key).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return out, fmt.Errorf("redis queue receive: %w", err)
		}
		body := []byte(result[1])
		handle := receiptHandle()
		if err := q.Client.HSet(ctx, q.inflightKey(), handle, body).Err(); err != nil {
			return out, fmt.Errorf("redis queue mark in-flight: %w", err)
		}
		visDeadline := time.Now().Add(q.VisibilityTimeout).UnixNano()
		if err := q.Client.ZAdd(ctx, q.deadlineKey(), redis.Z{Score: float64(visDeadline), Member: handle}).Err(); err != nil {
			return out, fmt.Errorf("redis queue mark in-flight: %w", err)
		}
		out = append(out, Message{Body: body, ReceiptHandle: handle})
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, m Message) error {
	if err := q.Client.HDel(ctx, q.inflightKey(), m.ReceiptHandle).Err(); err != nil {
		return fmt.Errorf("redis queue ack: %w", err)
	}
	q.Client.ZRem(ctx, q.deadlineKey(), m.ReceiptHandle)
	return nil
}

// Nack returns the message to the head of the queue immediately rather
// than waiting out the visibility timeout, used when the consumer
// already knows redelivery is needed (e.g. an invariant violation, spec
// §7).
func (q *RedisQueue) Nack(ctx context.Context, m Message) error {
	if err := q.Client.HDel(ctx, q.inflightKey(), m.ReceiptHandle).Err(); err != nil {
		return fmt.Errorf("redis queue nack: clear in-flight: %w", err)
	}
	q.Client.ZRem(ctx, q.deadlineKey(), m.ReceiptHandle)
	if err := q.Client.RPush(ctx, q.Key, m.Body).Err(); err != nil {
		return fmt.Errorf("redis queue nack: requeue: %w", err)
	}
	return nil
}

// ReclaimExpired moves every in-flight handle whose visibility timeout
// has elapsed back onto the main list for redelivery (spec §4.2/§5: "on
// exceed, the queue redelivers and the consumer MUST tolerate
// redelivery"). It is meant to be polled by a reaper loop at an interval
// shorter than VisibilityTimeout; it returns the number of messages
// reclaimed.
func (q *RedisQueue) ReclaimExpired(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	handles, err := q.Client.ZRangeByScore(ctx, q.deadlineKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue reclaim: scan expired: %w", err)
	}

	reclaimed := 0
	for _, handle := range handles {
		body, err := q.Client.HGet(ctx, q.inflightKey(), handle).Result()
		if err == redis.Nil {
			// Already acked/nacked concurrently; just drop the stale
			// deadline entry.
			q.Client.ZRem(ctx, q.deadlineKey(), handle)
			continue
		}
		if err != nil {
			return reclaimed, fmt.Errorf("redis queue reclaim: fetch body: %w", err)
		}
		if err := q.Client.LPush(ctx, q.Key, body).Err(); err != nil {
			return reclaimed, fmt.Errorf("redis queue reclaim: requeue: %w", err)
		}
		q.Client.HDel(ctx, q.inflightKey(), handle)
		q.Client.ZRem(ctx, q.deadlineKey(), handle)
		reclaimed++
	}
	return reclaimed, nil
}

func receiptHandle() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), randSuffix())
}

var randCounter uint64

func randSuffix() uint64 {
	return atomic.AddUint64(&randCounter, 1)
}
