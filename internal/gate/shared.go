package gate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis key of the shared gate when none is configured.
const DefaultKey = "session-lease:gate"

// holdMargin is added to the renew timeout for the in-flight key TTL so a
// crashed holder cannot keep the gate closed.
const holdMargin = 5 * time.Second

// releaseScript replaces our in-flight marker with the cooldown marker.
// A marker that expired and was taken by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[2]) > 0 then
	redis.call("SET", KEYS[1], "cooldown", "PX", ARGV[2])
else
	redis.call("DEL", KEYS[1])
end
return 1
`)

// Shared is a gate shared by every process attached to the same Redis key.
// While an attempt is in flight the key holds a per-attempt token; after
// release it holds "cooldown" until the cooldown TTL runs out. Any Redis
// error denies the attempt.
type Shared struct {
	client   redis.Cmdable
	key      string
	cooldown time.Duration
	hold     time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	token string
}

// NewShared creates a shared gate. renewTimeout bounds how long a single
// attempt may hold the gate.
func NewShared(client redis.Cmdable, key string, cooldown, renewTimeout time.Duration) *Shared {
	if key == "" {
		key = DefaultKey
	}
	if cooldown < 0 {
		cooldown = 0
	}
	return &Shared{
		client:   client,
		key:      key,
		cooldown: cooldown,
		hold:     renewTimeout + holdMargin,
		logger:   slog.Default().With("component", "shared_gate", "key", key),
	}
}

// TryAcquire claims the key with SET NX. The cooldown is enforced by the
// TTL of the marker left by the previous Release, so now is not consulted.
func (g *Shared) TryAcquire(ctx context.Context, _ time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" {
		return false
	}

	token := "inflight:" + uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.key, token, g.hold).Result()
	if err != nil {
		g.logger.Warn("shared gate acquire failed, denying", "error", err)
		return false
	}
	if !ok {
		return false
	}

	g.token = token
	return true
}

// Release starts the shared cooldown.
func (g *Shared) Release(ctx context.Context, _ time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token == "" {
		return
	}
	token := g.token
	g.token = ""

	// Release runs after the renewal, possibly with a cancelled context.
	ctx = context.WithoutCancel(ctx)
	err := releaseScript.Run(ctx, g.client, []string{g.key}, token, g.cooldown.Milliseconds()).Err()
	if err != nil {
		g.logger.Warn("shared gate release failed, in-flight marker will expire", "error", err)
	}
}
