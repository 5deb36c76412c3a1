package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"gossiphub/internal/models"
	"gossiphub/internal/repositories"
	"gossiphub/internal/scheduler"
)

type sent struct {
	scope   string
	target  string
	event   string
	exclude string
	payload any
}

type fakeOut struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeOut) record(s sent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeOut) Fanout(_ context.Context, roomID, event string, payload any, exclude string) error {
	return f.record(sent{scope: "room", target: roomID, event: event, exclude: exclude, payload: payload})
}

func (f *fakeOut) SendToIdentity(_ context.Context, identity, event string, payload any) error {
	return f.record(sent{scope: "identity", target: identity, event: event, payload: payload})
}

func (f *fakeOut) SendToConn(_ context.Context, connID, event string, payload any) error {
	return f.record(sent{scope: "conn", target: connID, event: event, payload: payload})
}

func (f *fakeOut) events(event string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.sent {
		if s.event == event {
			out = append(out, s)
		}
	}
	return out
}

type fakePresence struct {
	mu   sync.Mutex
	live map[string]bool
}

func newPresence(live ...string) *fakePresence {
	p := &fakePresence{live: make(map[string]bool)}
	for _, id := range live {
		p.live[id] = true
	}
	return p
}

func (p *fakePresence) HasLiveConnections(_ context.Context, identity string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live[identity], nil
}

type fakeChannel struct {
	got chan *models.Notification
}

func (fakeChannel) Name() string { return "fake" }

func (c fakeChannel) Deliver(_ context.Context, _ *models.NotificationTarget, n *models.Notification) error {
	c.got <- n
	return nil
}

type fixture struct {
	store    *repositories.MemoryStore
	out      *fakeOut
	presence *fakePresence
	sched    *scheduler.Memory
	notes    *NotificationService
	messages *MessageService
	calls    *CallService
	chats    *ChatService
}

func newFixture(t *testing.T, ttl time.Duration, live ...string) *fixture {
	t.Helper()
	log := zap.NewNop()
	f := &fixture{
		store:    repositories.NewMemoryStore(),
		out:      &fakeOut{},
		presence: newPresence(live...),
		sched:    scheduler.NewMemory(log),
	}
	f.notes = NewNotificationService(f.store, f.out, f.presence, log)
	f.messages = NewMessageService(f.store, f.out, f.presence, f.sched, f.notes, ttl, log)
	f.calls = NewCallService(f.store, f.store, f.messages, f.notes, f.out, f.presence, f.sched, time.Minute, 20, log)
	f.chats = NewChatService(f.store)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.sched.Run(ctx)

	if err := f.store.CreateRoom(context.Background(), &models.ChatRoom{ID: "R", Members: []string{"alice", "bob"}, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	return f
}

func asJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func jobFor(msg *models.ChatMessage) scheduler.Job {
	return scheduler.Job{Kind: JobMessagePurge, Key: msg.ID, Payload: map[string]string{"room": msg.RoomID}}
}
