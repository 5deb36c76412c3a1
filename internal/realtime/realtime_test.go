package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gossiphub/internal/scheduler"
)

type presenceLog struct {
	mu     sync.Mutex
	events []PresencePayload
}

func (p *presenceLog) hook(_ context.Context, identity string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, PresencePayload{Identity: identity, IsOnline: online})
}

func (p *presenceLog) snapshot() []PresencePayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PresencePayload(nil), p.events...)
}

func newTestRegistry(grace time.Duration) (*Registry, *presenceLog) {
	reg := NewRegistry(NewMemoryPresence(), scheduler.NewMemory(zap.NewNop()), grace, zap.NewNop())
	pl := &presenceLog{}
	reg.OnPresenceChange(pl.hook)
	return reg, pl
}

func newTestClient(identity string) *Client {
	return NewClient(identity, nil, ClientOptions{QueueSize: 8})
}

func drain(c *Client) []Envelope {
	var out []Envelope
	for {
		select {
		case frame := <-c.Outbound():
			var env Envelope
			if err := json.Unmarshal(frame, &env); err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func TestRegistry_FirstConnectionFlipsOnline(t *testing.T) {
	reg, pl := newTestRegistry(50 * time.Millisecond)
	ctx := context.Background()

	a1, a2 := newTestClient("alice"), newTestClient("alice")
	if err := reg.Register(ctx, a1); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, a2); err != nil {
		t.Fatal(err)
	}

	got := pl.snapshot()
	if len(got) != 1 || !got[0].IsOnline || got[0].Identity != "alice" {
		t.Fatalf("events = %+v, want one online flip", got)
	}
	if n := len(reg.Connections("alice")); n != 2 {
		t.Errorf("Connections = %d, want 2", n)
	}
}

func TestRegistry_OfflineAfterGrace(t *testing.T) {
	reg, pl := newTestRegistry(30 * time.Millisecond)
	ctx := context.Background()

	a := newTestClient("alice")
	reg.Register(ctx, a)
	localLeft, err := reg.Deregister(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if localLeft {
		t.Error("localLeft = true, want false")
	}
	if online, _ := reg.IsOnline(ctx, "alice"); !online {
		t.Error("alice went offline before the grace period ended")
	}
	if live, _ := reg.HasLiveConnections(ctx, "alice"); live {
		t.Error("HasLiveConnections = true with no connections")
	}

	time.Sleep(80 * time.Millisecond)
	if online, _ := reg.IsOnline(ctx, "alice"); online {
		t.Error("alice still online after the grace period")
	}
	got := pl.snapshot()
	if len(got) != 2 || got[1].IsOnline {
		t.Errorf("events = %+v, want online then offline", got)
	}
}

func TestRegistry_ReconnectWithinGraceIsSilent(t *testing.T) {
	reg, pl := newTestRegistry(40 * time.Millisecond)
	ctx := context.Background()

	reg.Register(ctx, newTestClient("alice"))
	first := reg.Connections("alice")[0]
	reg.Deregister(ctx, first)
	reg.Register(ctx, newTestClient("alice"))

	time.Sleep(80 * time.Millisecond)
	got := pl.snapshot()
	if len(got) != 1 {
		t.Errorf("events = %+v, want only the first online flip", got)
	}
	if online, _ := reg.IsOnline(ctx, "alice"); !online {
		t.Error("alice should stay online")
	}
}

type failingPresence struct {
	PresenceStore
	markOnlineErr error
}

func (f *failingPresence) MarkOnline(ctx context.Context, identity string) (bool, error) {
	if f.markOnlineErr != nil {
		return false, f.markOnlineErr
	}
	return f.PresenceStore.MarkOnline(ctx, identity)
}

func TestRegistry_FailedRegisterLeavesNothing(t *testing.T) {
	store := &failingPresence{PresenceStore: NewMemoryPresence(), markOnlineErr: errors.New("redis timeout")}
	reg := NewRegistry(store, scheduler.NewMemory(zap.NewNop()), time.Second, zap.NewNop())
	ctx := context.Background()

	a := newTestClient("alice")
	if err := reg.Register(ctx, a); err == nil {
		t.Fatal("Register succeeded, want error")
	}
	if n := len(reg.Connections("alice")); n != 0 {
		t.Errorf("Connections = %d, want 0", n)
	}
	if _, ok := reg.Client(a.ID); ok {
		t.Error("failed client still registered locally")
	}
	if live, _ := reg.HasLiveConnections(ctx, "alice"); live {
		t.Error("HasLiveConnections = true after a failed register")
	}
}

// reconnectingPresence registers a new connection right before the offline
// flip runs.
type reconnectingPresence struct {
	PresenceStore
	before func()
}

func (p *reconnectingPresence) MarkOfflineIfIdle(ctx context.Context, identity string) (bool, error) {
	if p.before != nil {
		fn := p.before
		p.before = nil
		fn()
	}
	return p.PresenceStore.MarkOfflineIfIdle(ctx, identity)
}

func TestRegistry_ReconnectDuringOfflineFlipStaysOnline(t *testing.T) {
	store := &reconnectingPresence{PresenceStore: NewMemoryPresence()}
	reg := NewRegistry(store, scheduler.NewMemory(zap.NewNop()), 20*time.Millisecond, zap.NewNop())
	pl := &presenceLog{}
	reg.OnPresenceChange(pl.hook)
	ctx := context.Background()

	first := newTestClient("alice")
	reg.Register(ctx, first)
	second := newTestClient("alice")
	store.before = func() {
		if err := reg.Register(ctx, second); err != nil {
			t.Errorf("reconnect: %v", err)
		}
	}
	reg.Deregister(ctx, first)

	time.Sleep(80 * time.Millisecond)
	if live, _ := reg.HasLiveConnections(ctx, "alice"); !live {
		t.Error("HasLiveConnections = false, want true")
	}
	if online, _ := reg.IsOnline(ctx, "alice"); !online {
		t.Error("alice went offline while connected")
	}
	if got := pl.snapshot(); len(got) != 1 || !got[0].IsOnline {
		t.Errorf("events = %+v, want only the first online flip", got)
	}
}

func TestRegistry_OneOfTwoConnectionsDrops(t *testing.T) {
	reg, pl := newTestRegistry(10 * time.Millisecond)
	ctx := context.Background()

	a1, a2 := newTestClient("alice"), newTestClient("alice")
	reg.Register(ctx, a1)
	reg.Register(ctx, a2)
	localLeft, _ := reg.Deregister(ctx, a1)
	if !localLeft {
		t.Error("localLeft = false, want true")
	}

	time.Sleep(40 * time.Millisecond)
	if len(pl.snapshot()) != 1 {
		t.Errorf("events = %+v, want no offline flip", pl.snapshot())
	}
}

func TestRouter_FanoutExcludesSender(t *testing.T) {
	reg, _ := newTestRegistry(time.Second)
	r := NewRouter(reg, zap.NewNop())
	ctx := context.Background()

	a, b, c := newTestClient("alice"), newTestClient("bob"), newTestClient("carol")
	for _, cl := range []*Client{a, b, c} {
		reg.Register(ctx, cl)
	}
	r.Join("r1", a)
	r.Join("r1", b)
	if r.Join("r1", b) {
		t.Error("second Join reported newly joined")
	}

	if err := r.Fanout(ctx, "r1", EventTyping, map[string]string{"roomId": "r1"}, a.ID); err != nil {
		t.Fatal(err)
	}
	if got := drain(a); len(got) != 0 {
		t.Errorf("sender got %d frames, want 0", len(got))
	}
	if got := drain(b); len(got) != 1 || got[0].Event != EventTyping {
		t.Errorf("bob got %+v", got)
	}
	if got := drain(c); len(got) != 0 {
		t.Errorf("non-member got %d frames", len(got))
	}
}

func TestRouter_DetachAndLeave(t *testing.T) {
	reg, _ := newTestRegistry(time.Second)
	r := NewRouter(reg, zap.NewNop())
	ctx := context.Background()

	a := newTestClient("alice")
	reg.Register(ctx, a)
	r.Join("r1", a)
	r.Join("r2", a)
	r.Leave("r1", a)
	if rooms := r.Rooms(a); len(rooms) != 1 || rooms[0] != "r2" {
		t.Errorf("Rooms = %v, want [r2]", rooms)
	}
	r.Detach(a)
	if rooms := r.Rooms(a); len(rooms) != 0 {
		t.Errorf("Rooms after Detach = %v", rooms)
	}
	r.Fanout(ctx, "r2", EventTyping, nil, "")
	if got := drain(a); len(got) != 0 {
		t.Errorf("detached client got %d frames", len(got))
	}
}

func TestRouter_SendToIdentityReachesEveryConnection(t *testing.T) {
	reg, _ := newTestRegistry(time.Second)
	r := NewRouter(reg, zap.NewNop())
	ctx := context.Background()

	a1, a2 := newTestClient("alice"), newTestClient("alice")
	reg.Register(ctx, a1)
	reg.Register(ctx, a2)

	r.SendToIdentity(ctx, "alice", EventIncomingCall, map[string]string{"callId": "c1"})
	if len(drain(a1)) != 1 || len(drain(a2)) != 1 {
		t.Error("every connection of alice should get the frame")
	}

	r.SendToConn(ctx, a2.ID, EventError, ErrorPayload{Code: "forbidden"})
	if len(drain(a1)) != 0 || len(drain(a2)) != 1 {
		t.Error("SendToConn should reach only the target connection")
	}
}

func TestRouter_FullQueueDrops(t *testing.T) {
	reg, _ := newTestRegistry(time.Second)
	r := NewRouter(reg, zap.NewNop())
	ctx := context.Background()

	slow := NewClient("slow", nil, ClientOptions{QueueSize: 1})
	reg.Register(ctx, slow)
	r.Join("r1", slow)

	first := r.Deliver(Delivery{Scope: ScopeRoom, Target: "r1", Frame: []byte(`{"event":"a"}`)})
	second := r.Deliver(Delivery{Scope: ScopeRoom, Target: "r1", Frame: []byte(`{"event":"b"}`)})
	if first != 1 || second != 0 {
		t.Errorf("delivered = %d, %d, want 1, 0", first, second)
	}
}

func TestRouter_PresenceHookBroadcasts(t *testing.T) {
	reg := NewRegistry(NewMemoryPresence(), scheduler.NewMemory(zap.NewNop()), time.Second, zap.NewNop())
	r := NewRouter(reg, zap.NewNop())
	reg.OnPresenceChange(r.BroadcastPresence)
	ctx := context.Background()

	watcher := newTestClient("bob")
	reg.Register(ctx, watcher)
	drain(watcher)

	reg.Register(ctx, newTestClient("alice"))
	got := drain(watcher)
	if len(got) != 1 || got[0].Event != EventPresenceChanged {
		t.Fatalf("watcher got %+v", got)
	}
	var p PresencePayload
	json.Unmarshal(got[0].Data, &p)
	if p.Identity != "alice" || !p.IsOnline {
		t.Errorf("payload = %+v", p)
	}
}

func TestClient_ClosedRejectsFrames(t *testing.T) {
	c := newTestClient("alice")
	c.Close()
	c.Close()
	if c.Enqueue([]byte("x")) {
		t.Error("Enqueue on a closed client should fail")
	}
}

func TestRedisPresence_FlipsOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cli.Close()
	ctx := context.Background()

	a := NewRedisPresence(cli, "test", time.Minute)
	b := NewRedisPresence(cli, "test", time.Minute)

	if n, _ := a.AddConn(ctx, "alice", "c1"); n != 1 {
		t.Errorf("AddConn = %d, want 1", n)
	}
	if n, _ := b.AddConn(ctx, "alice", "c2"); n != 2 {
		t.Errorf("AddConn = %d, want 2", n)
	}
	first, _ := a.MarkOnline(ctx, "alice")
	second, _ := b.MarkOnline(ctx, "alice")
	if !first || second {
		t.Errorf("MarkOnline = %v, %v, want true, false", first, second)
	}

	a.RemoveConn(ctx, "alice", "c1")
	if n, _ := b.RemoveConn(ctx, "alice", "c2"); n != 0 {
		t.Errorf("RemoveConn = %d, want 0", n)
	}
	off1, _ := a.MarkOfflineIfIdle(ctx, "alice")
	off2, _ := b.MarkOfflineIfIdle(ctx, "alice")
	if !off1 || off2 {
		t.Errorf("MarkOfflineIfIdle = %v, %v, want true, false", off1, off2)
	}
}

func TestRedisPresence_OfflineSkippedWhileConnected(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cli.Close()
	ctx := context.Background()

	p := NewRedisPresence(cli, "test", time.Minute)
	p.AddConn(ctx, "alice", "c1")
	p.MarkOnline(ctx, "alice")

	off, err := p.MarkOfflineIfIdle(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if off {
		t.Error("MarkOfflineIfIdle flipped with a live connection")
	}
	if online, _ := p.IsOnline(ctx, "alice"); !online {
		t.Error("IsOnline = false, want true")
	}

	// A connection whose heartbeat is stale does not keep the flag.
	old := float64(time.Now().Add(-time.Hour).UnixMilli())
	cli.ZAdd(ctx, "test:presence:conns:alice", redis.Z{Score: old, Member: "c1"})
	if off, _ := p.MarkOfflineIfIdle(ctx, "alice"); !off {
		t.Error("MarkOfflineIfIdle = false with only a stale connection")
	}
}

func TestRedisPresence_PrunesStaleConnections(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cli.Close()
	ctx := context.Background()

	p := NewRedisPresence(cli, "test", time.Minute)
	old := float64(time.Now().Add(-time.Hour).UnixMilli())
	cli.ZAdd(ctx, "test:presence:conns:alice", redis.Z{Score: old, Member: "dead"})

	if n, _ := p.CountConns(ctx, "alice"); n != 0 {
		t.Errorf("CountConns = %d, want 0", n)
	}
}

func TestRedisBus_DeliversAcrossRouters(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newNode := func() (*Router, *Registry, *redisBus) {
		cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { cli.Close() })
		reg := NewRegistry(NewMemoryPresence(), scheduler.NewMemory(zap.NewNop()), time.Second, zap.NewNop())
		r := NewRouter(reg, zap.NewNop())
		bus := NewRedisBus(cli, "test:fanout", r.Deliver, zap.NewNop()).(*redisBus)
		r.SetBus(bus)
		go bus.Run(ctx)
		<-bus.Ready()
		return r, reg, bus
	}
	r1, _, _ := newNode()
	r2, reg2, _ := newNode()

	bob := newTestClient("bob")
	reg2.Register(ctx, bob)
	r2.Join("r1", bob)

	if err := r1.Fanout(ctx, "r1", EventMessageReceived, map[string]string{"id": "m1"}, ""); err != nil {
		t.Fatal(err)
	}
	select {
	case frame := <-bob.Outbound():
		var env Envelope
		json.Unmarshal(frame, &env)
		if env.Event != EventMessageReceived {
			t.Errorf("event = %s", env.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("frame did not cross the bus")
	}
}
