package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"gossiphub/internal/metrics"
	"gossiphub/internal/models"
	"gossiphub/internal/realtime"
	"gossiphub/internal/repositories"
	"gossiphub/internal/scheduler"
)

const (
	JobMessagePurge = "message.purge"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
	previewLen          = 80
)

// MessageService persists room messages and fans them out. Sends to one room
// are serialized from persist to fanout, so subscribers see them in commit
// order.
type MessageService struct {
	chats    repositories.ChatRepository
	out      Broadcaster
	presence Presence
	sched    scheduler.Scheduler
	notes    *NotificationService
	ttl      time.Duration
	rooms    *keyedLock
	log      *zap.Logger
}

func NewMessageService(chats repositories.ChatRepository, out Broadcaster, presence Presence, sched scheduler.Scheduler, notes *NotificationService, ttl time.Duration, log *zap.Logger) *MessageService {
	s := &MessageService{
		chats:    chats,
		out:      out,
		presence: presence,
		sched:    sched,
		notes:    notes,
		ttl:      ttl,
		rooms:    newKeyedLock(),
		log:      log,
	}
	sched.Handle(JobMessagePurge, s.purge)
	return s
}

type SendInput struct {
	Sender    string
	RoomID    string
	Content   string
	Type      models.MessageType
	Ephemeral bool
	TempID    string
	FileName  string
	// Origin is the connection that sent the message. It gets the ack and is
	// skipped by the fanout. Empty for REST sends.
	Origin string
}

type MessagePayload struct {
	Message *models.ChatMessage `json:"message"`
}

type SendAckPayload struct {
	TempID  string              `json:"tempId,omitempty"`
	Message *models.ChatMessage `json:"message"`
}

type MessageRemovedPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId"`
	Identity string `json:"identity"`
}

func (s *MessageService) Send(ctx context.Context, in SendInput) (*models.ChatMessage, error) {
	if in.Type == "" {
		in.Type = models.MessageText
	}
	if !in.Type.Valid() || in.Type == models.MessageCallLog {
		return nil, invalid("unknown message type %q", in.Type)
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return nil, invalid("content is required")
	}
	if err := requireMember(ctx, s.chats, in.RoomID, in.Sender); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	msg := &models.ChatMessage{
		ID:        ulid.Make().String(),
		RoomID:    in.RoomID,
		SenderID:  in.Sender,
		Content:   in.Content,
		Type:      in.Type,
		FileName:  in.FileName,
		Ephemeral: in.Ephemeral,
		ReadBy:    []string{in.Sender},
		CreatedAt: now,
	}
	if in.Ephemeral {
		exp := now.Add(s.ttl)
		msg.ExpiresAt = &exp
	}

	if err := s.post(ctx, msg, in.Origin); err != nil {
		return nil, err
	}
	metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()

	if in.Origin != "" {
		if err := s.out.SendToConn(ctx, in.Origin, realtime.EventMessageSendAck, SendAckPayload{TempID: in.TempID, Message: msg}); err != nil {
			s.log.Warn("send ack failed", zap.String("message", msg.ID), zap.Error(err))
		}
	}
	s.notifyOffline(ctx, msg)
	return msg, nil
}

// post persists msg, moves the room pointer, arms the purge job for
// ephemeral messages and fans msg out to the room except origin.
func (s *MessageService) post(ctx context.Context, msg *models.ChatMessage, origin string) error {
	unlock := s.rooms.Lock(msg.RoomID)
	defer unlock()

	if err := s.chats.CreateMessage(ctx, msg); err != nil {
		return storageErr("create message", err)
	}
	if _, err := s.chats.AdvanceLatest(ctx, msg.RoomID, msg.ID, msg.Seq); err != nil {
		s.log.Warn("advance latest pointer failed", zap.String("room", msg.RoomID), zap.Error(err))
	}

	if msg.ExpiresAt != nil {
		err := s.sched.Schedule(ctx, scheduler.Job{
			Kind:    JobMessagePurge,
			Key:     msg.ID,
			RunAt:   *msg.ExpiresAt,
			Payload: map[string]string{"room": msg.RoomID},
		})
		if err != nil {
			// Without a purge job the message could outlive its expiry.
			if _, derr := s.chats.DeleteMessage(ctx, msg.ID); derr == nil {
				s.repointLatest(ctx, msg)
			}
			return storageErr("schedule purge", err)
		}
	}

	if err := s.out.Fanout(ctx, msg.RoomID, realtime.EventMessageReceived, MessagePayload{Message: msg}, origin); err != nil {
		s.log.Warn("message fanout failed", zap.String("message", msg.ID), zap.Error(err))
	}
	return nil
}

func (s *MessageService) notifyOffline(ctx context.Context, msg *models.ChatMessage) {
	if s.notes == nil {
		return
	}
	members, err := s.chats.Members(ctx, msg.RoomID)
	if err != nil {
		s.log.Warn("list members failed", zap.String("room", msg.RoomID), zap.Error(err))
		return
	}
	for _, m := range members {
		if m == msg.SenderID {
			continue
		}
		live, err := s.presence.HasLiveConnections(ctx, m)
		if err != nil || live {
			continue
		}
		_, err = s.notes.Create(ctx, CreateNotificationInput{
			Recipient: m,
			Sender:    msg.SenderID,
			Type:      models.NotifyNewMessage,
			Content:   preview(msg),
			RoomID:    msg.RoomID,
		})
		if err != nil {
			s.log.Warn("new message notification failed", zap.String("recipient", m), zap.Error(err))
		}
	}
}

func preview(msg *models.ChatMessage) string {
	switch msg.Type {
	case models.MessageText:
		if utf8.RuneCountInString(msg.Content) <= previewLen {
			return msg.Content
		}
		return string([]rune(msg.Content)[:previewLen]) + "…"
	case models.MessageImage:
		return "Sent a photo"
	case models.MessageVoice:
		return "Sent a voice message"
	case models.MessageVideo:
		return "Sent a video"
	case models.MessageFile:
		if msg.FileName != "" {
			return "Sent a file: " + msg.FileName
		}
		return "Sent a file"
	}
	return msg.Content
}

// Delete removes a message on behalf of its sender. Only the first of
// several concurrent deletes (or a racing purge) emits message_deleted.
func (s *MessageService) Delete(ctx context.Context, requester, messageID string) error {
	msg, err := s.chats.GetMessage(ctx, messageID)
	if err != nil {
		return storageErr("get message", err)
	}
	if msg.SenderID != requester {
		return ErrForbidden
	}

	unlock := s.rooms.Lock(msg.RoomID)
	defer unlock()

	deleted, err := s.chats.DeleteMessage(ctx, messageID)
	if err != nil {
		return storageErr("delete message", err)
	}
	metrics.MessagesDeleted.Inc()
	if deleted.Ephemeral {
		if _, err := s.sched.Cancel(ctx, JobMessagePurge, messageID); err != nil {
			s.log.Warn("cancel purge failed", zap.String("message", messageID), zap.Error(err))
		}
	}
	s.repointLatest(ctx, deleted)

	payload := MessageRemovedPayload{MessageID: deleted.ID, RoomID: deleted.RoomID}
	if err := s.out.Fanout(ctx, deleted.RoomID, realtime.EventMessageDeleted, payload, ""); err != nil {
		s.log.Warn("delete fanout failed", zap.String("message", messageID), zap.Error(err))
	}
	return nil
}

// purge runs when an ephemeral message expires. Replays and messages that
// were already deleted are no-ops.
func (s *MessageService) purge(ctx context.Context, job scheduler.Job) error {
	if room := job.Payload["room"]; room != "" {
		unlock := s.rooms.Lock(room)
		defer unlock()
	}

	msg, err := s.chats.DeleteMessage(ctx, job.Key)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.MessagesPurged.Inc()
	s.repointLatest(ctx, msg)

	payload := MessageRemovedPayload{MessageID: msg.ID, RoomID: msg.RoomID}
	if err := s.out.Fanout(ctx, msg.RoomID, realtime.EventMessagePurged, payload, ""); err != nil {
		s.log.Warn("purge fanout failed", zap.String("message", msg.ID), zap.Error(err))
	}
	return nil
}

func (s *MessageService) repointLatest(ctx context.Context, msg *models.ChatMessage) {
	if _, _, err := s.chats.RecomputeLatest(ctx, msg.RoomID, msg.ID); err != nil {
		s.log.Warn("recompute latest pointer failed", zap.String("room", msg.RoomID), zap.Error(err))
	}
}

// Search matches text messages of roomID case-insensitively.
func (s *MessageService) Search(ctx context.Context, requester, roomID, query string) ([]*models.ChatMessage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, invalid("query is required")
	}
	if err := requireMember(ctx, s.chats, roomID, requester); err != nil {
		return nil, err
	}
	msgs, err := s.chats.SearchText(ctx, roomID, query)
	if err != nil {
		return nil, storageErr("search messages", err)
	}
	return msgs, nil
}

// History returns a page of roomID in chronological order.
func (s *MessageService) History(ctx context.Context, requester, roomID string, limit, offset int) ([]*models.ChatMessage, error) {
	if err := requireMember(ctx, s.chats, roomID, requester); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	msgs, err := s.chats.ListMessages(ctx, roomID, limit, offset)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	return msgs, nil
}

// Typing relays a typing indicator to the rest of the room.
func (s *MessageService) Typing(ctx context.Context, identity, roomID, origin string, stop bool) error {
	if err := requireMember(ctx, s.chats, roomID, identity); err != nil {
		return err
	}
	event := realtime.EventTyping
	if stop {
		event = realtime.EventStopTyping
	}
	return s.out.Fanout(ctx, roomID, event, TypingPayload{RoomID: roomID, Identity: identity}, origin)
}

// LogCall appends a call_log entry from the caller to the call's room.
func (s *MessageService) LogCall(ctx context.Context, call *models.CallSession, content string) (*models.ChatMessage, error) {
	msg := &models.ChatMessage{
		ID:           ulid.Make().String(),
		RoomID:       call.RoomID,
		SenderID:     call.CallerID,
		Content:      content,
		Type:         models.MessageCallLog,
		CallDuration: call.Duration,
		ReadBy:       []string{call.CallerID},
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.post(ctx, msg, ""); err != nil {
		return nil, err
	}
	metrics.MessagesSent.WithLabelValues(string(msg.Type)).Inc()
	return msg, nil
}
