package debounce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript only deletes the lock key if it still holds the token
// this holder set, so a holder whose TTL already expired can never
// release a lock some other worker has since acquired.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// RedisLocker backs the serialization lock with a Redis advisory lock
// (spec §5: "the serialization lock MUST be promoted to a distributed
// lock backed by the state store" when conversation→worker affinity
// cannot be guaranteed).
type RedisLocker struct {
	Client     *redis.Client
	TTL        time.Duration
	RetryDelay time.Duration
	KeyPrefix  string
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{Client: client, TTL: ttl, RetryDelay: 50 * time.Millisecond, KeyPrefix: "funnel:conv-lock:"}
}

func (l *RedisLocker) Lock(ctx context.Context, conversationID string) (func(), error) {
	key := l.KeyPrefix + conversationID
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate lock token: %w", err)
	}

	for {
		ok, err := l.Client.SetNX(ctx, key, token, l.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				l.Client.Eval(releaseCtx, releaseScript, []string{key}, token)
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("conversation %s: %w", conversationID, ctx.Err())
		case <-time.After(l.RetryDelay):
		}
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
