package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"gossiphub/internal/models"
)

// CallUpdate carries the optional columns written together with a status change.
type CallUpdate struct {
	AnsweredAt *time.Time
	EndedAt    *time.Time
	Duration   *int
}

type CallRepository interface {
	CreateCall(ctx context.Context, call *models.CallSession) error
	GetCall(ctx context.Context, id string) (*models.CallSession, error)
	// TransitionCall applies from->to atomically. ErrConflict when the row is
	// no longer in from, ErrNotFound when it does not exist.
	TransitionCall(ctx context.Context, id string, from, to models.CallStatus, upd CallUpdate) (*models.CallSession, error)
	ActiveCalls(ctx context.Context, identity string) ([]*models.CallSession, error)
	ListCalls(ctx context.Context, identity string, limit int) ([]*models.CallSession, error)
}

type callRepository struct {
	db *sql.DB
}

func NewCallRepository(db *sql.DB) CallRepository {
	return &callRepository{db: db}
}

const callColumns = `id, caller_id, callee_id, media_kind, status, room_id, started_at, answered_at, ended_at, duration`

func scanCall(row rowScanner) (*models.CallSession, error) {
	var (
		call     models.CallSession
		answered sql.NullTime
		ended    sql.NullTime
	)
	if err := row.Scan(&call.ID, &call.CallerID, &call.CalleeID, &call.Kind, &call.Status, &call.RoomID,
		&call.StartedAt, &answered, &ended, &call.Duration); err != nil {
		return nil, err
	}
	if answered.Valid {
		t := answered.Time
		call.AnsweredAt = &t
	}
	if ended.Valid {
		t := ended.Time
		call.EndedAt = &t
	}
	return &call, nil
}

func (r *callRepository) CreateCall(ctx context.Context, call *models.CallSession) error {
	const query = `
		INSERT INTO call_sessions (id, caller_id, callee_id, media_kind, status, room_id, started_at, duration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query, call.ID, call.CallerID, call.CalleeID, call.Kind, call.Status, call.RoomID, call.StartedAt, call.Duration)
	return err
}

func (r *callRepository) GetCall(ctx context.Context, id string) (*models.CallSession, error) {
	call, err := scanCall(r.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM call_sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return call, err
}

func (r *callRepository) TransitionCall(ctx context.Context, id string, from, to models.CallStatus, upd CallUpdate) (*models.CallSession, error) {
	const query = `
		UPDATE call_sessions
		SET status = $3,
		    answered_at = COALESCE($4, answered_at),
		    ended_at = COALESCE($5, ended_at),
		    duration = COALESCE($6, duration)
		WHERE id = $1 AND status = $2
		RETURNING ` + callColumns
	call, err := scanCall(r.db.QueryRowContext(ctx, query, id, from, to, upd.AnsweredAt, upd.EndedAt, upd.Duration))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.GetCall(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	return call, err
}

func (r *callRepository) ActiveCalls(ctx context.Context, identity string) ([]*models.CallSession, error) {
	const query = `
		SELECT ` + callColumns + `
		FROM call_sessions
		WHERE (caller_id = $1 OR callee_id = $1) AND status IN ('ringing', 'accepted')
		ORDER BY started_at
	`
	return r.queryCalls(ctx, query, identity)
}

func (r *callRepository) ListCalls(ctx context.Context, identity string, limit int) ([]*models.CallSession, error) {
	const query = `
		SELECT ` + callColumns + `
		FROM call_sessions
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	return r.queryCalls(ctx, query, identity, limit)
}

func (r *callRepository) queryCalls(ctx context.Context, query string, args ...any) ([]*models.CallSession, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []*models.CallSession
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}
