package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"

	"gossiphub/internal/models"
)

type ChatRepository interface {
	ListUserRooms(ctx context.Context, userID string) ([]*models.ChatRoom, error)
	GetRoom(ctx context.Context, roomID string) (*models.ChatRoom, error)
	FindDirectRoom(ctx context.Context, a, b string) (*models.ChatRoom, error)
	CreateRoom(ctx context.Context, room *models.ChatRoom) error
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	Members(ctx context.Context, roomID string) ([]string, error)

	// CreateMessage stores msg and fills in its commit sequence.
	CreateMessage(ctx context.Context, msg *models.ChatMessage) error
	GetMessage(ctx context.Context, id string) (*models.ChatMessage, error)
	// DeleteMessage removes the row and returns it. Only one caller ever gets
	// the row back; everyone else gets ErrNotFound.
	DeleteMessage(ctx context.Context, id string) (*models.ChatMessage, error)
	ListMessages(ctx context.Context, roomID string, limit, offset int) ([]*models.ChatMessage, error)
	SearchText(ctx context.Context, roomID, query string) ([]*models.ChatMessage, error)

	// AdvanceLatest moves the room pointer to msgID only if seq is newer.
	AdvanceLatest(ctx context.Context, roomID, msgID string, seq int64) (bool, error)
	// RecomputeLatest repoints the room to its newest surviving message, but
	// only while the pointer still references deletedID.
	RecomputeLatest(ctx context.Context, roomID, deletedID string) (string, bool, error)
}

type chatRepository struct {
	DB *sql.DB
}

func NewChatRepository(db *sql.DB) ChatRepository {
	return &chatRepository{DB: db}
}

const messageColumns = `id, room_id, sender_id, content, type, file_name, call_duration, ephemeral, expires_at, read_by, seq, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.ChatMessage, error) {
	var (
		msg       models.ChatMessage
		expiresAt sql.NullTime
		readBy    pq.StringArray
	)
	if err := row.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &msg.Type, &msg.FileName,
		&msg.CallDuration, &msg.Ephemeral, &expiresAt, &readBy, &msg.Seq, &msg.CreatedAt); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		msg.ExpiresAt = &t
	}
	msg.ReadBy = []string(readBy)
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	return &msg, nil
}

func (r *chatRepository) ListUserRooms(ctx context.Context, userID string) ([]*models.ChatRoom, error) {
	const q = `
                SELECT c.id, c.name, c.is_group, COALESCE(c.latest_message_id, ''), c.latest_message_seq, c.created_at,
                       COALESCE(array_agg(cm.user_id ORDER BY cm.user_id), '{}') AS members
                FROM chat_rooms c
                JOIN chat_members cm ON cm.room_id = c.id
                WHERE c.id IN (SELECT room_id FROM chat_members WHERE user_id = $1)
                GROUP BY c.id
                ORDER BY c.latest_message_seq DESC, c.created_at DESC
        `
	rows, err := r.DB.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []*models.ChatRoom
	for rows.Next() {
		room := &models.ChatRoom{}
		var members pq.StringArray
		if err := rows.Scan(&room.ID, &room.Name, &room.IsGroup, &room.LatestMessageID, &room.LatestSeq, &room.CreatedAt, &members); err != nil {
			return nil, err
		}
		room.Members = []string(members)
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (r *chatRepository) GetRoom(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	const q = `
                SELECT c.id, c.name, c.is_group, COALESCE(c.latest_message_id, ''), c.latest_message_seq, c.created_at,
                       COALESCE((SELECT array_agg(user_id ORDER BY user_id) FROM chat_members WHERE room_id = c.id), '{}')
                FROM chat_rooms c
                WHERE c.id = $1
        `
	room := &models.ChatRoom{}
	var members pq.StringArray
	err := r.DB.QueryRowContext(ctx, q, roomID).Scan(&room.ID, &room.Name, &room.IsGroup, &room.LatestMessageID, &room.LatestSeq, &room.CreatedAt, &members)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	room.Members = []string(members)
	return room, nil
}

func (r *chatRepository) FindDirectRoom(ctx context.Context, a, b string) (*models.ChatRoom, error) {
	const q = `
                SELECT c.id
                FROM chat_rooms c
                WHERE c.is_group = FALSE
                  AND EXISTS (SELECT 1 FROM chat_members WHERE room_id = c.id AND user_id = $1)
                  AND EXISTS (SELECT 1 FROM chat_members WHERE room_id = c.id AND user_id = $2)
                LIMIT 1
        `
	var id string
	err := r.DB.QueryRowContext(ctx, q, a, b).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.GetRoom(ctx, id)
}

func (r *chatRepository) CreateRoom(ctx context.Context, room *models.ChatRoom) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO chat_rooms (id, name, is_group) VALUES ($1, $2, $3) RETURNING created_at`,
		room.ID, room.Name, room.IsGroup,
	).Scan(&room.CreatedAt); err != nil {
		return err
	}
	for _, m := range room.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_members (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			room.ID, m,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *chatRepository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	const q = `
                SELECT 1 FROM chat_members WHERE room_id = $1 AND user_id = $2 LIMIT 1
        `
	var dummy int
	err := r.DB.QueryRowContext(ctx, q, roomID, userID).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *chatRepository) Members(ctx context.Context, roomID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id FROM chat_members WHERE room_id = $1 ORDER BY user_id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.ChatMessage) error {
	const q = `
                INSERT INTO chat_messages (id, room_id, sender_id, content, type, file_name, call_duration, ephemeral, expires_at, read_by, created_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
                RETURNING seq
        `
	if msg.ReadBy == nil {
		msg.ReadBy = []string{}
	}
	return r.DB.QueryRowContext(ctx, q,
		msg.ID, msg.RoomID, msg.SenderID, msg.Content, msg.Type, msg.FileName,
		msg.CallDuration, msg.Ephemeral, msg.ExpiresAt, pq.Array(msg.ReadBy), msg.CreatedAt,
	).Scan(&msg.Seq)
}

func (r *chatRepository) GetMessage(ctx context.Context, id string) (*models.ChatMessage, error) {
	msg, err := scanMessage(r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func (r *chatRepository) DeleteMessage(ctx context.Context, id string) (*models.ChatMessage, error) {
	msg, err := scanMessage(r.DB.QueryRowContext(ctx, `DELETE FROM chat_messages WHERE id = $1 RETURNING `+messageColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func (r *chatRepository) ListMessages(ctx context.Context, roomID string, limit, offset int) ([]*models.ChatMessage, error) {
	const q = `
                SELECT ` + messageColumns + `
                FROM chat_messages
                WHERE room_id = $1
                ORDER BY seq ASC
                LIMIT $2 OFFSET $3
        `
	return r.queryMessages(ctx, q, roomID, limit, offset)
}

func (r *chatRepository) SearchText(ctx context.Context, roomID, query string) ([]*models.ChatMessage, error) {
	const q = `
                SELECT ` + messageColumns + `
                FROM chat_messages
                WHERE room_id = $1 AND type = 'text' AND content ILIKE '%' || $2 || '%'
                ORDER BY seq ASC
        `
	return r.queryMessages(ctx, q, roomID, escapeLike(query))
}

func (r *chatRepository) queryMessages(ctx context.Context, q string, args ...any) ([]*models.ChatMessage, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *chatRepository) AdvanceLatest(ctx context.Context, roomID, msgID string, seq int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
                UPDATE chat_rooms SET latest_message_id = $2, latest_message_seq = $3
                WHERE id = $1 AND latest_message_seq < $3
        `, roomID, msgID, seq)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *chatRepository) RecomputeLatest(ctx context.Context, roomID, deletedID string) (string, bool, error) {
	const q = `
                WITH newest AS (
                    SELECT id, seq FROM chat_messages WHERE room_id = $1 ORDER BY seq DESC LIMIT 1
                )
                UPDATE chat_rooms
                SET latest_message_id = (SELECT id FROM newest),
                    latest_message_seq = COALESCE((SELECT seq FROM newest), 0)
                WHERE id = $1 AND latest_message_id = $2
                RETURNING COALESCE(latest_message_id, '')
        `
	var latest string
	err := r.DB.QueryRowContext(ctx, q, roomID, deletedID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return latest, true, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
