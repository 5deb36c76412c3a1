package repositories

import (
	"context"
	"database/sql"
	"errors"

	"gossiphub/internal/models"
)

type NotificationRepository interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, recipientID string) ([]*models.Notification, error)
	MarkRead(ctx context.Context, recipientID, id string) error
	MarkAllRead(ctx context.Context, recipientID string) (int64, error)
	DeleteNotification(ctx context.Context, recipientID, id string) error
	GetTarget(ctx context.Context, userID string) (*models.NotificationTarget, error)
	SetTarget(ctx context.Context, t *models.NotificationTarget) error
}

type notificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(db *sql.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) CreateNotification(ctx context.Context, n *models.Notification) error {
	const query = `
		INSERT INTO notifications (id, recipient_id, sender_id, content, type, room_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query, n.ID, n.RecipientID, n.SenderID, n.Content, n.Type, n.RoomID, n.IsRead, n.CreatedAt)
	return err
}

func (r *notificationRepository) ListNotifications(ctx context.Context, recipientID string) ([]*models.Notification, error) {
	const query = `
		SELECT id, recipient_id, sender_id, content, type, room_id, is_read, created_at
		FROM notifications
		WHERE recipient_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.SenderID, &n.Content, &n.Type, &n.RoomID, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, n)
	}
	return list, rows.Err()
}

func (r *notificationRepository) MarkRead(ctx context.Context, recipientID, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND recipient_id = $2`, id, recipientID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE notifications SET is_read = TRUE WHERE recipient_id = $1 AND is_read = FALSE`, recipientID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *notificationRepository) DeleteNotification(ctx context.Context, recipientID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = $1 AND recipient_id = $2`, id, recipientID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *notificationRepository) GetTarget(ctx context.Context, userID string) (*models.NotificationTarget, error) {
	t := &models.NotificationTarget{}
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, email, telegram_chat_id FROM notification_targets WHERE user_id = $1`, userID,
	).Scan(&t.UserID, &t.Email, &t.TelegramChatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *notificationRepository) SetTarget(ctx context.Context, t *models.NotificationTarget) error {
	const query = `
		INSERT INTO notification_targets (user_id, email, telegram_chat_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET email = EXCLUDED.email, telegram_chat_id = EXCLUDED.telegram_chat_id
	`
	_, err := r.db.ExecContext(ctx, query, t.UserID, t.Email, t.TelegramChatID)
	return err
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
