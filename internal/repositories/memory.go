package repositories

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"gossiphub/internal/models"
)

// MemoryStore keeps every repository in process memory. It backs the server
// when no database is configured and is the fixture store for tests.
type MemoryStore struct {
	mu            sync.Mutex
	seq           int64
	rooms         map[string]*models.ChatRoom
	messages      map[string]*models.ChatMessage
	calls         map[string]*models.CallSession
	notifications map[string]*models.Notification
	targets       map[string]*models.NotificationTarget
}

var (
	_ ChatRepository         = (*MemoryStore)(nil)
	_ CallRepository         = (*MemoryStore)(nil)
	_ NotificationRepository = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:         make(map[string]*models.ChatRoom),
		messages:      make(map[string]*models.ChatMessage),
		calls:         make(map[string]*models.CallSession),
		notifications: make(map[string]*models.Notification),
		targets:       make(map[string]*models.NotificationTarget),
	}
}

func cloneRoom(r *models.ChatRoom) *models.ChatRoom {
	c := *r
	c.Members = append([]string(nil), r.Members...)
	return &c
}

func cloneMessage(m *models.ChatMessage) *models.ChatMessage {
	c := *m
	c.ReadBy = append([]string{}, m.ReadBy...)
	return &c
}

func cloneCall(c *models.CallSession) *models.CallSession {
	cp := *c
	return &cp
}

func hasMember(room *models.ChatRoom, userID string) bool {
	for _, m := range room.Members {
		if m == userID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListUserRooms(_ context.Context, userID string) ([]*models.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ChatRoom
	for _, r := range s.rooms {
		if hasMember(r, userID) {
			out = append(out, cloneRoom(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LatestSeq != out[j].LatestSeq {
			return out[i].LatestSeq > out[j].LatestSeq
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (*models.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRoom(r), nil
}

func (s *MemoryStore) FindDirectRoom(_ context.Context, a, b string) (*models.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if !r.IsGroup && hasMember(r, a) && hasMember(r, b) {
			return cloneRoom(r), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateRoom(_ context.Context, room *models.ChatRoom) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return ErrConflict
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	s.rooms[room.ID] = cloneRoom(room)
	return nil
}

func (s *MemoryStore) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return false, nil
	}
	return hasMember(r, userID), nil
}

func (s *MemoryStore) Members(_ context.Context, roomID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), r.Members...), nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return ErrConflict
	}
	s.seq++
	msg.Seq = s.seq
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	s.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id string) (*models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.messages, id)
	return m, nil
}

// roomMessages returns the room timeline in commit order. Caller holds mu.
func (s *MemoryStore) roomMessages(roomID string) []*models.ChatMessage {
	var out []*models.ChatMessage
	for _, m := range s.messages {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *MemoryStore) ListMessages(_ context.Context, roomID string, limit, offset int) ([]*models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.roomMessages(roomID)
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]*models.ChatMessage, 0, len(all))
	for _, m := range all {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *MemoryStore) SearchText(_ context.Context, roomID, query string) ([]*models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := strings.ToLower(query)
	var out []*models.ChatMessage
	for _, m := range s.roomMessages(roomID) {
		if m.Type == models.MessageText && strings.Contains(strings.ToLower(m.Content), q) {
			out = append(out, cloneMessage(m))
		}
	}
	return out, nil
}

func (s *MemoryStore) AdvanceLatest(_ context.Context, roomID, msgID string, seq int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || r.LatestSeq >= seq {
		return false, nil
	}
	r.LatestMessageID = msgID
	r.LatestSeq = seq
	return true, nil
}

func (s *MemoryStore) RecomputeLatest(_ context.Context, roomID, deletedID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok || r.LatestMessageID != deletedID {
		return "", false, nil
	}
	r.LatestMessageID, r.LatestSeq = "", 0
	if msgs := s.roomMessages(roomID); len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		r.LatestMessageID, r.LatestSeq = last.ID, last.Seq
	}
	return r.LatestMessageID, true, nil
}

func (s *MemoryStore) CreateCall(_ context.Context, call *models.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[call.ID]; ok {
		return ErrConflict
	}
	s.calls[call.ID] = cloneCall(call)
	return nil
}

func (s *MemoryStore) GetCall(_ context.Context, id string) (*models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCall(c), nil
}

func (s *MemoryStore) TransitionCall(_ context.Context, id string, from, to models.CallStatus, upd CallUpdate) (*models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != from {
		return nil, ErrConflict
	}
	c.Status = to
	if upd.AnsweredAt != nil {
		t := *upd.AnsweredAt
		c.AnsweredAt = &t
	}
	if upd.EndedAt != nil {
		t := *upd.EndedAt
		c.EndedAt = &t
	}
	if upd.Duration != nil {
		c.Duration = *upd.Duration
	}
	return cloneCall(c), nil
}

func (s *MemoryStore) ActiveCalls(_ context.Context, identity string) ([]*models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CallSession
	for _, c := range s.calls {
		if (c.CallerID == identity || c.CalleeID == identity) && !c.Status.Terminal() {
			out = append(out, cloneCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) ListCalls(_ context.Context, identity string, limit int) ([]*models.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.CallSession
	for _, c := range s.calls {
		if c.CallerID == identity || c.CalleeID == identity {
			out = append(out, cloneCall(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.notifications[n.ID] = &cp
	return nil
}

func (s *MemoryStore) ListNotifications(_ context.Context, recipientID string) ([]*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Notification
	for _, n := range s.notifications {
		if n.RecipientID == recipientID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, recipientID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.RecipientID != recipientID {
		return ErrNotFound
	}
	n.IsRead = true
	return nil
}

func (s *MemoryStore) MarkAllRead(_ context.Context, recipientID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, n := range s.notifications {
		if n.RecipientID == recipientID && !n.IsRead {
			n.IsRead = true
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) DeleteNotification(_ context.Context, recipientID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.RecipientID != recipientID {
		return ErrNotFound
	}
	delete(s.notifications, id)
	return nil
}

func (s *MemoryStore) GetTarget(_ context.Context, userID string) (*models.NotificationTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) SetTarget(_ context.Context, t *models.NotificationTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.targets[t.UserID] = &cp
	return nil
}
