package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionColumns = `id, participant_id, quiz_id, current_index, correct_count, answered_count,
	total_questions, start_time, is_active, payload, finished_at, created_at, updated_at`

// Repository persists private sessions in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create deactivates any active session for the participant and inserts s
// in the same transaction.
func (r *Repository) Create(ctx context.Context, s *Session) (*Session, error) {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	var created *Session
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE quiz_sessions
			SET is_active = FALSE, finished_at = COALESCE(finished_at, now()), updated_at = now()
			WHERE participant_id = $1 AND is_active`, s.ParticipantID); err != nil {
			return fmt.Errorf("deactivate previous: %w", err)
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO quiz_sessions (participant_id, quiz_id, current_index, correct_count, answered_count,
				total_questions, start_time, is_active, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
			RETURNING `+sessionColumns,
			s.ParticipantID, s.QuizID, s.CurrentIndex, s.CorrectCount, s.AnsweredCount,
			s.TotalQuestions, s.StartTime, payload)
		created, err = scanSession(row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return created, nil
}

// GetActive returns the participant's active session or ErrNotFound.
func (r *Repository) GetActive(ctx context.Context, participantID int64) (*Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+`
		FROM quiz_sessions WHERE participant_id = $1 AND is_active`, participantID)
	return scanSession(row)
}

// Get loads a session by id regardless of state.
func (r *Repository) Get(ctx context.Context, id int64) (*Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM quiz_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// UpdateLocked loads the row with FOR UPDATE, hands it to fn and saves the
// result in the same transaction. An error from fn rolls back and is
// returned unchanged.
func (r *Repository) UpdateLocked(ctx context.Context, id int64, fn func(*Session) error) (*Session, error) {
	var updated *Session
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM quiz_sessions WHERE id = $1 FOR UPDATE`, id)
		s, err := scanSession(row)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}

		payload, err := json.Marshal(s.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		row = tx.QueryRow(ctx, `
			UPDATE quiz_sessions
			SET current_index = $2, correct_count = $3, answered_count = $4, is_active = $5,
				payload = $6, finished_at = $7, updated_at = now()
			WHERE id = $1
			RETURNING `+sessionColumns,
			id, s.CurrentIndex, s.CorrectCount, s.AnsweredCount, s.IsActive, payload, s.FinishedAt)
		updated, err = scanSession(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListStalled returns active sessions not touched since before.
func (r *Repository) ListStalled(ctx context.Context, before time.Time) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+`
		FROM quiz_sessions
		WHERE is_active AND updated_at < $1
		ORDER BY updated_at
		LIMIT 500`, before)
	if err != nil {
		return nil, fmt.Errorf("list stalled: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stalled: %w", err)
	}
	return out, nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		s       Session
		payload []byte
	)
	err := row.Scan(
		&s.ID, &s.ParticipantID, &s.QuizID, &s.CurrentIndex, &s.CorrectCount, &s.AnsweredCount,
		&s.TotalQuestions, &s.StartTime, &s.IsActive, &payload, &s.FinishedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &s.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	return &s, nil
}
