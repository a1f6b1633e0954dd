package presence

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	onlineKeyPrefix  = "presence:online:"
	defaultOnlineTTL = 90 * time.Second
)

// Registry tracks which users hold open realtime connections in this process.
// Entries are mutated only by the connect/disconnect lifecycle of the owning
// connection, and none survive a restart.
//
// With a Redis client configured, the registry mirrors a per-user online flag
// with a TTL so peer instances can answer IsOnline; mirror failures are logged
// and ignored since presence is best-effort.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]map[int64]struct{}

	mirror    *redis.Client
	mirrorTTL time.Duration
	logger    *zap.Logger
}

// RegistryConfig configures the registry. All fields are optional.
type RegistryConfig struct {
	Mirror    *redis.Client
	MirrorTTL time.Duration
	Logger    *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	ttl := cfg.MirrorTTL
	if ttl <= 0 {
		ttl = defaultOnlineTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		connections: make(map[string]map[int64]struct{}),
		mirror:      cfg.Mirror,
		mirrorTTL:   ttl,
		logger:      logger,
	}
}

// Connect records an open connection handle and reports whether it is the
// user's first one (the online transition).
func (r *Registry) Connect(ctx context.Context, userID string, connID int64) bool {
	if userID == "" {
		return false
	}

	r.mu.Lock()
	handles, ok := r.connections[userID]
	if !ok {
		handles = make(map[int64]struct{})
		r.connections[userID] = handles
	}
	handles[connID] = struct{}{}
	first := len(handles) == 1
	r.mu.Unlock()

	if first {
		r.setMirror(ctx, userID, true)
	}
	return first
}

// Disconnect removes a connection handle and reports whether it was the
// user's last one (the offline transition).
func (r *Registry) Disconnect(ctx context.Context, userID string, connID int64) bool {
	if userID == "" {
		return false
	}

	r.mu.Lock()
	handles := r.connections[userID]
	if handles != nil {
		delete(handles, connID)
		if len(handles) == 0 {
			delete(r.connections, userID)
		}
	}
	last := len(handles) == 0
	r.mu.Unlock()

	if last {
		r.setMirror(ctx, userID, false)
	}
	return last
}

// IsOnline reports whether the user holds at least one open connection. The
// local registry answers for this process; with a mirror configured, peers'
// connections count too.
func (r *Registry) IsOnline(ctx context.Context, userID string) bool {
	r.mu.RLock()
	_, local := r.connections[userID]
	r.mu.RUnlock()
	if local {
		return true
	}

	if r.mirror == nil {
		return false
	}
	exists, err := r.mirror.Exists(ctx, onlineKeyPrefix+userID).Result()
	if err != nil {
		r.logger.Warn("presence mirror lookup failed", zap.Error(err), zap.String("user_id", userID))
		return false
	}
	return exists > 0
}

// Touch refreshes the mirrored online flag's TTL for an active connection.
func (r *Registry) Touch(ctx context.Context, userID string) {
	if r.mirror == nil || userID == "" {
		return
	}
	if err := r.mirror.Expire(ctx, onlineKeyPrefix+userID, r.mirrorTTL).Err(); err != nil {
		r.logger.Warn("presence mirror refresh failed", zap.Error(err), zap.String("user_id", userID))
	}
}

// OnlineCount returns the number of locally connected users.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

func (r *Registry) setMirror(ctx context.Context, userID string, online bool) {
	if r.mirror == nil {
		return
	}
	key := onlineKeyPrefix + userID
	var err error
	if online {
		err = r.mirror.Set(ctx, key, "1", r.mirrorTTL).Err()
	} else {
		err = r.mirror.Del(ctx, key).Err()
	}
	if err != nil {
		r.logger.Warn("presence mirror update failed", zap.Error(err), zap.String("user_id", userID))
	}
}
