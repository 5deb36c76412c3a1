package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"gossiphub/internal/metrics"
)

// Router tracks room subscriptions of local connections and fans events out
// through the Bus. A connection may sit in many rooms.
type Router struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Client
	subs  map[string]map[string]struct{}

	reg *Registry
	bus Bus
	log *zap.Logger
}

func NewRouter(reg *Registry, log *zap.Logger) *Router {
	r := &Router{
		rooms: make(map[string]map[string]*Client),
		subs:  make(map[string]map[string]struct{}),
		reg:   reg,
		log:   log,
	}
	r.bus = NewLocalBus(r.Deliver)
	return r
}

// SetBus replaces the default in-process bus.
func (r *Router) SetBus(b Bus) { r.bus = b }

// Join subscribes c to roomID. It reports false if c was already there.
func (r *Router) Join(roomID string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[roomID]
	if members == nil {
		members = make(map[string]*Client)
		r.rooms[roomID] = members
	}
	if _, ok := members[c.ID]; ok {
		return false
	}
	members[c.ID] = c
	if r.subs[c.ID] == nil {
		r.subs[c.ID] = make(map[string]struct{})
	}
	r.subs[c.ID][roomID] = struct{}{}
	return true
}

func (r *Router) Leave(roomID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(roomID, c.ID)
}

func (r *Router) leaveLocked(roomID, connID string) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	if rooms, ok := r.subs[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.subs, connID)
		}
	}
}

// Detach removes c from every room it joined.
func (r *Router) Detach(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for roomID := range r.subs[c.ID] {
		r.leaveLocked(roomID, c.ID)
	}
}

// Rooms lists the rooms c is subscribed to.
func (r *Router) Rooms(c *Client) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs[c.ID]))
	for id := range r.subs[c.ID] {
		out = append(out, id)
	}
	return out
}

func (r *Router) publish(ctx context.Context, d Delivery, event string, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	d.Frame = frame
	return r.bus.Publish(ctx, d)
}

// Fanout sends event to every connection subscribed to roomID except the
// connection excludeConn (empty excludes nothing).
func (r *Router) Fanout(ctx context.Context, roomID, event string, payload any, excludeConn string) error {
	return r.publish(ctx, Delivery{Scope: ScopeRoom, Target: roomID, Exclude: excludeConn}, event, payload)
}

// SendToIdentity reaches every connection of identity, subscribed or not.
func (r *Router) SendToIdentity(ctx context.Context, identity, event string, payload any) error {
	return r.publish(ctx, Delivery{Scope: ScopeIdentity, Target: identity}, event, payload)
}

func (r *Router) SendToConn(ctx context.Context, connID, event string, payload any) error {
	return r.publish(ctx, Delivery{Scope: ScopeConn, Target: connID}, event, payload)
}

// Broadcast reaches every connection.
func (r *Router) Broadcast(ctx context.Context, event string, payload any) error {
	return r.publish(ctx, Delivery{Scope: ScopeAll}, event, payload)
}

// Deliver queues d on the matching local connections and returns how many
// accepted it. Full queues drop the frame.
func (r *Router) Deliver(d Delivery) int {
	var targets []*Client
	switch d.Scope {
	case ScopeRoom:
		r.mu.RLock()
		targets = make([]*Client, 0, len(r.rooms[d.Target]))
		for id, c := range r.rooms[d.Target] {
			if id != d.Exclude {
				targets = append(targets, c)
			}
		}
		r.mu.RUnlock()
	case ScopeIdentity:
		targets = r.reg.Connections(d.Target)
	case ScopeConn:
		if c, ok := r.reg.Client(d.Target); ok {
			targets = []*Client{c}
		}
	case ScopeAll:
		targets = r.reg.All()
	}

	n := 0
	for _, c := range targets {
		if c.Enqueue(d.Frame) {
			n++
			metrics.FanoutDelivered.Inc()
			continue
		}
		metrics.FanoutDropped.Inc()
		r.log.Warn("outbound queue full, dropping frame", zap.String("conn", c.ID), zap.String("identity", c.Identity))
	}
	return n
}

// BroadcastPresence is a Registry hook that announces flips to everyone.
func (r *Router) BroadcastPresence(ctx context.Context, identity string, online bool) {
	if err := r.Broadcast(ctx, EventPresenceChanged, PresencePayload{Identity: identity, IsOnline: online}); err != nil {
		r.log.Warn("presence broadcast failed", zap.String("identity", identity), zap.Error(err))
	}
}
