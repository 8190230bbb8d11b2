package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"
)

// QuizRepository reads question sets produced by the upstream editors.
// Concurrent loads of the same quiz share one query. Callers must not
// mutate the returned quiz.
type QuizRepository struct {
	pool *pgxpool.Pool
	sf   singleflight.Group
}

// NewQuizRepository constructs a quiz repository.
func NewQuizRepository(pool *pgxpool.Pool) *QuizRepository {
	return &QuizRepository{pool: pool}
}

// GetQuiz loads a quiz by id.
func (r *QuizRepository) GetQuiz(ctx context.Context, quizID int64) (*Quiz, error) {
	v, err, _ := r.sf.Do(strconv.FormatInt(quizID, 10), func() (any, error) {
		return r.queryQuiz(ctx, quizID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Quiz), nil
}

func (r *QuizRepository) queryQuiz(ctx context.Context, quizID int64) (*Quiz, error) {
	var (
		q   Quiz
		raw []byte
	)
	err := r.pool.QueryRow(ctx, `SELECT id, title, questions, shuffle FROM quizzes WHERE id = $1`, quizID).
		Scan(&q.ID, &q.Title, &raw, &q.Shuffle)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quiz %d: %w", quizID, err)
	}
	if err := json.Unmarshal(raw, &q.Questions); err != nil {
		return nil, fmt.Errorf("decode quiz %d questions: %w", quizID, err)
	}
	return &q, nil
}

// Insert stores a quiz and returns its id. Used by seeding and tests.
func (r *QuizRepository) Insert(ctx context.Context, q Quiz) (int64, error) {
	raw, err := json.Marshal(q.Questions)
	if err != nil {
		return 0, fmt.Errorf("encode questions: %w", err)
	}
	var id int64
	err = r.pool.QueryRow(ctx, `INSERT INTO quizzes (title, questions, shuffle) VALUES ($1, $2, $3) RETURNING id`,
		q.Title, raw, q.Shuffle).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert quiz: %w", err)
	}
	return id, nil
}
