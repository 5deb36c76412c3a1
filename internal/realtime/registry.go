package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"gossiphub/internal/metrics"
	"gossiphub/internal/scheduler"
)

const JobPresenceOffline = "presence.offline"

// Registry maps identities to their live connections on this process and
// drives presence. An identity goes online on its first connection and
// offline only after its last connection has been gone for the grace period.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Client
	conns map[string]map[string]*Client

	store PresenceStore
	sched scheduler.Scheduler
	grace time.Duration
	log   *zap.Logger

	hookMu   sync.RWMutex
	onChange []func(ctx context.Context, identity string, online bool)
}

func NewRegistry(store PresenceStore, sched scheduler.Scheduler, grace time.Duration, log *zap.Logger) *Registry {
	r := &Registry{
		byID:  make(map[string]*Client),
		conns: make(map[string]map[string]*Client),
		store: store,
		sched: sched,
		grace: grace,
		log:   log,
	}
	sched.Handle(JobPresenceOffline, r.finishOffline)
	return r
}

// OnPresenceChange adds a hook that runs on every online/offline flip won by
// this process.
func (r *Registry) OnPresenceChange(fn func(ctx context.Context, identity string, online bool)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *Registry) notify(ctx context.Context, identity string, online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	metrics.PresenceChanges.WithLabelValues(state).Inc()
	r.log.Debug("presence changed", zap.String("identity", identity), zap.Bool("online", online))

	r.hookMu.RLock()
	hooks := append([]func(context.Context, string, bool){}, r.onChange...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, identity, online)
	}
}

// Register adds c locally and in the shared store. On error nothing of c is
// left behind, so a failed handshake never counts as a live connection.
func (r *Registry) Register(ctx context.Context, c *Client) error {
	r.addLocal(c)

	if _, err := r.store.AddConn(ctx, c.Identity, c.ID); err != nil {
		r.removeLocal(c)
		return err
	}
	if _, err := r.sched.Cancel(ctx, JobPresenceOffline, c.Identity); err != nil {
		r.log.Warn("cancel pending offline failed", zap.String("identity", c.Identity), zap.Error(err))
	}
	flipped, err := r.store.MarkOnline(ctx, c.Identity)
	if err != nil {
		r.removeLocal(c)
		left, rerr := r.store.RemoveConn(ctx, c.Identity, c.ID)
		if rerr != nil {
			r.log.Warn("rollback of shared connection failed", zap.String("identity", c.Identity), zap.Error(rerr))
		} else if left == 0 {
			// The pending offline job was cancelled above; put it back.
			_ = r.sched.Schedule(ctx, scheduler.Job{Kind: JobPresenceOffline, Key: c.Identity, RunAt: time.Now().Add(r.grace)})
		}
		return err
	}
	if flipped {
		r.notify(ctx, c.Identity, true)
	}
	return nil
}

func (r *Registry) addLocal(c *Client) {
	r.mu.Lock()
	r.byID[c.ID] = c
	set := r.conns[c.Identity]
	if set == nil {
		set = make(map[string]*Client)
		r.conns[c.Identity] = set
	}
	set[c.ID] = c
	r.mu.Unlock()
	metrics.OnlineConns.Inc()
}

// removeLocal drops c from the local maps and reports whether another local
// connection of the same identity remains.
func (r *Registry) removeLocal(c *Client) bool {
	r.mu.Lock()
	_, known := r.byID[c.ID]
	delete(r.byID, c.ID)
	set := r.conns[c.Identity]
	delete(set, c.ID)
	localLeft := len(set) > 0
	if !localLeft {
		delete(r.conns, c.Identity)
	}
	r.mu.Unlock()
	if known {
		metrics.OnlineConns.Dec()
	}
	return localLeft
}

// Deregister drops c and reports whether this process still holds another
// connection of the same identity. When the identity has no connections left
// anywhere an offline transition is scheduled after the grace period.
func (r *Registry) Deregister(ctx context.Context, c *Client) (bool, error) {
	localLeft := r.removeLocal(c)

	left, err := r.store.RemoveConn(ctx, c.Identity, c.ID)
	if err != nil {
		return localLeft, err
	}
	if left > 0 {
		return localLeft, nil
	}
	err = r.sched.Schedule(ctx, scheduler.Job{
		Kind:  JobPresenceOffline,
		Key:   c.Identity,
		RunAt: time.Now().Add(r.grace),
	})
	return localLeft, err
}

// finishOffline clears the online flag unless a connection came back. The
// check and the flip happen atomically in the store.
func (r *Registry) finishOffline(ctx context.Context, job scheduler.Job) error {
	flipped, err := r.store.MarkOfflineIfIdle(ctx, job.Key)
	if err != nil {
		return err
	}
	if flipped {
		r.notify(ctx, job.Key, false)
	}
	return nil
}

func (r *Registry) IsOnline(ctx context.Context, identity string) (bool, error) {
	return r.store.IsOnline(ctx, identity)
}

// HasLiveConnections reports whether identity holds at least one connection
// on any process right now. During the offline grace period an identity can
// be online but unreachable.
func (r *Registry) HasLiveConnections(ctx context.Context, identity string) (bool, error) {
	n, err := r.store.CountConns(ctx, identity)
	return n > 0, err
}

func (r *Registry) Touch(ctx context.Context, c *Client) error {
	return r.store.Touch(ctx, c.Identity, c.ID)
}

// Connections returns the local connections of identity.
func (r *Registry) Connections(identity string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.conns[identity]))
	for _, c := range r.conns[identity] {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Client(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[connID]
	return c, ok
}

// All returns every local connection.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}
