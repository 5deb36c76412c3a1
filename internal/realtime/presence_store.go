package realtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceStore tracks live connections per identity and the broadcast
// online flag. MarkOnline and MarkOfflineIfIdle report whether they flipped
// the flag, so exactly one caller broadcasts each change. MarkOfflineIfIdle
// checks the connection set and clears the flag in one step.
type PresenceStore interface {
	AddConn(ctx context.Context, identity, connID string) (int64, error)
	RemoveConn(ctx context.Context, identity, connID string) (int64, error)
	Touch(ctx context.Context, identity, connID string) error
	CountConns(ctx context.Context, identity string) (int64, error)
	MarkOnline(ctx context.Context, identity string) (bool, error)
	MarkOfflineIfIdle(ctx context.Context, identity string) (bool, error)
	IsOnline(ctx context.Context, identity string) (bool, error)
}

type memoryPresence struct {
	mu     sync.Mutex
	conns  map[string]map[string]time.Time
	online map[string]bool
}

func NewMemoryPresence() PresenceStore {
	return &memoryPresence{
		conns:  make(map[string]map[string]time.Time),
		online: make(map[string]bool),
	}
}

func (m *memoryPresence) AddConn(_ context.Context, identity, connID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.conns[identity]
	if set == nil {
		set = make(map[string]time.Time)
		m.conns[identity] = set
	}
	set[connID] = time.Now()
	return int64(len(set)), nil
}

func (m *memoryPresence) RemoveConn(_ context.Context, identity, connID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.conns[identity]
	delete(set, connID)
	if len(set) == 0 {
		delete(m.conns, identity)
		return 0, nil
	}
	return int64(len(set)), nil
}

func (m *memoryPresence) Touch(_ context.Context, identity, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.conns[identity]; set != nil {
		if _, ok := set[connID]; ok {
			set[connID] = time.Now()
		}
	}
	return nil
}

func (m *memoryPresence) CountConns(_ context.Context, identity string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.conns[identity])), nil
}

func (m *memoryPresence) MarkOnline(_ context.Context, identity string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online[identity] {
		return false, nil
	}
	m.online[identity] = true
	return true, nil
}

func (m *memoryPresence) MarkOfflineIfIdle(_ context.Context, identity string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns[identity]) > 0 || !m.online[identity] {
		return false, nil
	}
	delete(m.online, identity)
	return true, nil
}

func (m *memoryPresence) IsOnline(_ context.Context, identity string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[identity], nil
}

// offlineIfIdleScript clears the online flag only when no fresh connection
// is left. KEYS: conns zset, online flag. ARGV: stale cutoff.
var offlineIfIdleScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) > 0 then
  return 0
end
return redis.call('DEL', KEYS[2])
`)

/*
Redis keys:
  - {prefix}:presence:conns:{identity}  ZSET connID -> last heartbeat (unix ms)
  - {prefix}:presence:online:{identity} flag, present while broadcast online

Connections whose heartbeat is older than stale are pruned before counting, so
a crashed process cannot keep an identity online forever.
*/
type redisPresence struct {
	cli    *redis.Client
	prefix string
	stale  time.Duration
}

func NewRedisPresence(cli *redis.Client, prefix string, stale time.Duration) PresenceStore {
	if prefix == "" {
		prefix = "gossiphub"
	}
	if stale <= 0 {
		stale = 2 * time.Minute
	}
	return &redisPresence{cli: cli, prefix: prefix, stale: stale}
}

func (r *redisPresence) connsKey(identity string) string {
	return r.prefix + ":presence:conns:" + identity
}

func (r *redisPresence) onlineKey(identity string) string {
	return r.prefix + ":presence:online:" + identity
}

func (r *redisPresence) cutoff() string {
	return "(" + strconv.FormatInt(time.Now().Add(-r.stale).UnixMilli(), 10)
}

func (r *redisPresence) AddConn(ctx context.Context, identity, connID string) (int64, error) {
	key := r.connsKey(identity)
	var card *redis.IntCmd
	_, err := r.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(time.Now().UnixMilli()), Member: connID})
		p.ZRemRangeByScore(ctx, key, "-inf", r.cutoff())
		card = p.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (r *redisPresence) RemoveConn(ctx context.Context, identity, connID string) (int64, error) {
	key := r.connsKey(identity)
	var card *redis.IntCmd
	_, err := r.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, key, connID)
		p.ZRemRangeByScore(ctx, key, "-inf", r.cutoff())
		card = p.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (r *redisPresence) Touch(ctx context.Context, identity, connID string) error {
	return r.cli.ZAddXX(ctx, r.connsKey(identity), redis.Z{Score: float64(time.Now().UnixMilli()), Member: connID}).Err()
}

func (r *redisPresence) CountConns(ctx context.Context, identity string) (int64, error) {
	key := r.connsKey(identity)
	var card *redis.IntCmd
	_, err := r.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", r.cutoff())
		card = p.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (r *redisPresence) MarkOnline(ctx context.Context, identity string) (bool, error) {
	return r.cli.SetNX(ctx, r.onlineKey(identity), "1", 0).Result()
}

func (r *redisPresence) MarkOfflineIfIdle(ctx context.Context, identity string) (bool, error) {
	keys := []string{r.connsKey(identity), r.onlineKey(identity)}
	n, err := offlineIfIdleScript.Run(ctx, r.cli, keys, r.cutoff()).Int64()
	return n == 1, err
}

func (r *redisPresence) IsOnline(ctx context.Context, identity string) (bool, error) {
	n, err := r.cli.Exists(ctx, r.onlineKey(identity)).Result()
	return n == 1, err
}
