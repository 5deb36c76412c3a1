package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gossiphub/internal/metrics"
	"gossiphub/internal/models"
	"gossiphub/internal/realtime"
	"gossiphub/internal/repositories"
)

// OfflineChannel forwards a notification to a recipient that has no live
// connection.
type OfflineChannel interface {
	Name() string
	Deliver(ctx context.Context, target *models.NotificationTarget, n *models.Notification) error
}

type NotificationService struct {
	repo     repositories.NotificationRepository
	out      Broadcaster
	presence Presence
	channels []OfflineChannel
	timeout  time.Duration
	log      *zap.Logger
}

func NewNotificationService(repo repositories.NotificationRepository, out Broadcaster, presence Presence, log *zap.Logger, channels ...OfflineChannel) *NotificationService {
	return &NotificationService{
		repo:     repo,
		out:      out,
		presence: presence,
		channels: channels,
		timeout:  15 * time.Second,
		log:      log,
	}
}

type CreateNotificationInput struct {
	Recipient string
	Sender    string
	Type      models.NotificationType
	Content   string
	RoomID    string
}

type NotificationPayload struct {
	Notification *models.Notification `json:"notification"`
}

// Create persists a notification and pushes it to the recipient's live
// connections. Recipients without one get it through the offline channels.
func (s *NotificationService) Create(ctx context.Context, in CreateNotificationInput) (*models.Notification, error) {
	if in.Recipient == "" {
		return nil, invalid("recipient is required")
	}
	if !in.Type.Valid() {
		return nil, invalid("unknown notification type %q", in.Type)
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return nil, invalid("content is required")
	}

	n := &models.Notification{
		ID:          uuid.NewString(),
		RecipientID: in.Recipient,
		SenderID:    in.Sender,
		Content:     in.Content,
		Type:        in.Type,
		RoomID:      in.RoomID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repo.CreateNotification(ctx, n); err != nil {
		return nil, storageErr("create notification", err)
	}

	live, err := s.presence.HasLiveConnections(ctx, n.RecipientID)
	if err != nil {
		s.log.Warn("presence lookup failed", zap.String("recipient", n.RecipientID), zap.Error(err))
	}
	if live {
		metrics.NotificationsCreated.WithLabelValues("push").Inc()
		if err := s.out.SendToIdentity(ctx, n.RecipientID, realtime.EventNotificationReceived, NotificationPayload{Notification: n}); err != nil {
			s.log.Warn("notification push failed", zap.String("id", n.ID), zap.Error(err))
		}
		return n, nil
	}

	metrics.NotificationsCreated.WithLabelValues("offline").Inc()
	if len(s.channels) > 0 {
		go s.forward(context.WithoutCancel(ctx), n)
	}
	return n, nil
}

func (s *NotificationService) forward(ctx context.Context, n *models.Notification) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	target, err := s.repo.GetTarget(ctx, n.RecipientID)
	if errors.Is(err, repositories.ErrNotFound) {
		return
	}
	if err != nil {
		s.log.Warn("notification target lookup failed", zap.String("recipient", n.RecipientID), zap.Error(err))
		return
	}
	for _, ch := range s.channels {
		if err := ch.Deliver(ctx, target, n); err != nil {
			s.log.Warn("offline delivery failed", zap.String("channel", ch.Name()), zap.String("id", n.ID), zap.Error(err))
		}
	}
}

func (s *NotificationService) List(ctx context.Context, recipient string) ([]*models.Notification, error) {
	list, err := s.repo.ListNotifications(ctx, recipient)
	if err != nil {
		return nil, storageErr("list notifications", err)
	}
	return list, nil
}

// MarkRead marks one notification read, or all of them when id is empty.
// It returns how many were updated.
func (s *NotificationService) MarkRead(ctx context.Context, recipient, id string) (int64, error) {
	if id == "" {
		n, err := s.repo.MarkAllRead(ctx, recipient)
		return n, storageErr("mark all read", err)
	}
	if err := s.repo.MarkRead(ctx, recipient, id); err != nil {
		return 0, storageErr("mark read", err)
	}
	return 1, nil
}

func (s *NotificationService) Delete(ctx context.Context, recipient, id string) error {
	return storageErr("delete notification", s.repo.DeleteNotification(ctx, recipient, id))
}

// SetTarget stores where offline notifications for userID should go. An empty
// email or a zero chat id disables the matching channel. Group chat ids are
// negative.
func (s *NotificationService) SetTarget(ctx context.Context, userID, email string, telegramChatID int64) (*models.NotificationTarget, error) {
	email = strings.TrimSpace(email)
	if email != "" && !strings.Contains(email, "@") {
		return nil, invalid("email %q is not an address", email)
	}
	t := &models.NotificationTarget{UserID: userID, Email: email, TelegramChatID: telegramChatID}
	if err := s.repo.SetTarget(ctx, t); err != nil {
		return nil, storageErr("set target", err)
	}
	return t, nil
}
