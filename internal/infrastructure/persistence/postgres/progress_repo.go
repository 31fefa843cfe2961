package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tradeacademy/progress-engine/internal/domain/progress"
	"github.com/tradeacademy/progress-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS REPOSITORY
// Implements progress.Store, progress.Reader and progress.CatalogSource.
// ══════════════════════════════════════════════════════════════════════════════

// ProgressRepository is the PostgreSQL progress store.
type ProgressRepository struct {
	queries
	conn        *Connection
	lockTimeout time.Duration
}

// NewProgressRepository creates a new ProgressRepository. lockTimeout bounds the
// wait for a user's aggregate row lock; zero leaves the server default.
func NewProgressRepository(conn *Connection, lockTimeout time.Duration) *ProgressRepository {
	return &ProgressRepository{
		queries:     queries{q: conn},
		conn:        conn,
		lockTimeout: lockTimeout,
	}
}

var (
	_ progress.Store         = (*ProgressRepository)(nil)
	_ progress.CatalogSource = (*ProgressRepository)(nil)
	_ progress.Tx            = (*progressTx)(nil)
)

// WithinUserTx implements progress.Store.
func (r *ProgressRepository) WithinUserTx(ctx context.Context, _ string, fn func(ctx context.Context, tx progress.Tx) error) error {
	return r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if r.lockTimeout > 0 {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to set lock timeout: %w", err)
			}
		}
		return fn(ctx, &progressTx{queries: queries{q: tx}})
	})
}

// LoadCatalog implements progress.CatalogSource.
func (r *ProgressRepository) LoadCatalog(ctx context.Context) ([]progress.Achievement, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, name, description, criteria_kind, threshold::float8, category, points
		FROM achievements
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query achievements: %w", err)
	}
	defer rows.Close()

	var out []progress.Achievement
	for rows.Next() {
		var (
			a    progress.Achievement
			kind string
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &kind, &a.Threshold, &a.Category, &a.Points); err != nil {
			return nil, fmt.Errorf("failed to scan achievement: %w", err)
		}
		if a.Criteria, err = progress.ParseCriteriaKind(kind); err != nil {
			return nil, fmt.Errorf("achievement %s: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAggregate implements progress.Reader.
func (r *ProgressRepository) GetAggregate(ctx context.Context, userID string) (*progress.Aggregate, error) {
	agg, err := r.selectAggregate(ctx, userID, false)
	if IsNoRows(err) {
		return nil, progress.ErrAggregateNotFound
	}
	return agg, err
}

// ListUserAchievements implements progress.Reader.
func (r *ProgressRepository) ListUserAchievements(ctx context.Context, userID string) ([]progress.UserAchievement, error) {
	rows, err := r.q.Query(ctx, `
		SELECT achievement_id, earned_at
		FROM user_achievements
		WHERE user_id = $1
		ORDER BY earned_at, achievement_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user achievements: %w", err)
	}
	defer rows.Close()

	var out []progress.UserAchievement
	for rows.Next() {
		ua := progress.UserAchievement{UserID: userID}
		if err := rows.Scan(&ua.AchievementID, &ua.EarnedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user achievement: %w", err)
		}
		out = append(out, ua)
	}
	return out, rows.Err()
}

// StudyCalendar implements progress.Reader.
func (r *ProgressRepository) StudyCalendar(ctx context.Context, userID string, from, to time.Time, loc *time.Location) ([]progress.DayActivity, error) {
	rows, err := r.q.Query(ctx, `
		SELECT (completed_at AT TIME ZONE $2)::date AS day,
		       COUNT(*),
		       COALESCE(SUM(time_spent_seconds), 0)
		FROM completion_events
		WHERE user_id = $1
		  AND (completed_at AT TIME ZONE $2)::date BETWEEN $3::date AND $4::date
		GROUP BY day
		ORDER BY day
	`, userID, zoneName(loc), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query study calendar: %w", err)
	}
	defer rows.Close()

	var out []progress.DayActivity
	for rows.Next() {
		var d progress.DayActivity
		if err := rows.Scan(&d.Date, &d.Completions, &d.TimeSpentSeconds); err != nil {
			return nil, fmt.Errorf("failed to scan calendar day: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSACTION
// ══════════════════════════════════════════════════════════════════════════════

type progressTx struct {
	queries
}

func (t *progressTx) LockAggregate(ctx context.Context, userID string) (*progress.Aggregate, error) {
	if _, err := t.q.Exec(ctx, `
		INSERT INTO progress_aggregates (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, fmt.Errorf("failed to create aggregate row: %w", err)
	}
	return t.selectAggregate(ctx, userID, true)
}

func (t *progressTx) SaveAggregate(ctx context.Context, a *progress.Aggregate) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE progress_aggregates SET
			total_lessons = $2,
			completed_lessons = $3,
			total_time_spent_seconds = $4,
			current_streak = $5,
			longest_streak = $6,
			last_activity_date = $7,
			average_quiz_score = $8,
			total_quiz_attempts = $9,
			quizzed_lessons = $10,
			quiz_score_sum = $11,
			version = $12,
			updated_at = $13
		WHERE user_id = $1
	`,
		a.UserID,
		a.TotalLessons,
		a.CompletedLessons,
		a.TotalTimeSpentSeconds,
		a.CurrentStreak,
		a.LongestStreak,
		a.LastActivityDate,
		a.AverageQuizScore,
		a.TotalQuizAttempts,
		a.QuizzedLessons,
		a.QuizScoreSum,
		a.Version,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update aggregate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("aggregate of user %s was not locked in this transaction", a.UserID)
	}
	return nil
}

func (t *progressTx) HasCompletedLesson(ctx context.Context, userID, lessonID string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM completion_events WHERE user_id = $1 AND lesson_id = $2)
	`, userID, lessonID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check lesson completion: %w", err)
	}
	return exists, nil
}

func (t *progressTx) AppendCompletion(ctx context.Context, e *progress.CompletionEvent) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO completion_events (id, user_id, lesson_id, slide_id, completed_at, time_spent_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.UserID, e.LessonID, e.SlideID, e.CompletedAt, e.TimeSpentSeconds)
	if err != nil {
		return fmt.Errorf("failed to insert completion: %w", err)
	}
	return nil
}

func (t *progressTx) CompletionDates(ctx context.Context, userID string, loc *time.Location) ([]time.Time, error) {
	rows, err := t.q.Query(ctx, `
		SELECT DISTINCT (completed_at AT TIME ZONE $2)::date AS day
		FROM completion_events
		WHERE user_id = $1
		ORDER BY day DESC
	`, userID, zoneName(loc))
	if err != nil {
		return nil, fmt.Errorf("failed to query completion dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan completion date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

func (t *progressTx) LatestQuizAttempt(ctx context.Context, userID, lessonID string) (*progress.QuizAttempt, error) {
	var a progress.QuizAttempt
	err := t.q.QueryRow(ctx, `
		SELECT id, user_id, lesson_id, score, max_score, percentage::float8, passed, attempt_number, created_at
		FROM quiz_attempts
		WHERE user_id = $1 AND lesson_id = $2
		ORDER BY attempt_number DESC
		LIMIT 1
	`, userID, lessonID).Scan(
		&a.ID, &a.UserID, &a.LessonID, &a.Score, &a.MaxScore,
		&a.Percentage, &a.Passed, &a.AttemptNumber, &a.CreatedAt,
	)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest quiz attempt: %w", err)
	}
	return &a, nil
}

func (t *progressTx) AppendQuizAttempt(ctx context.Context, a *progress.QuizAttempt) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO quiz_attempts (id, user_id, lesson_id, score, max_score, percentage, passed, attempt_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, a.ID, a.UserID, a.LessonID, a.Score, a.MaxScore, a.Percentage, a.Passed, a.AttemptNumber, a.CreatedAt)
	if IsUniqueViolation(err) {
		// Only reachable when another writer bypassed the aggregate lock; the
		// retry re-reads the sequence and rejects the stale number.
		return shared.WrapError("postgres", "AppendQuizAttempt", shared.ErrConcurrencyConflict,
			"attempt number taken concurrently", err)
	}
	if err != nil {
		return fmt.Errorf("failed to insert quiz attempt: %w", err)
	}
	return nil
}

func (t *progressTx) UnlockedAchievements(ctx context.Context, userID string) (map[string]time.Time, error) {
	rows, err := t.q.Query(ctx, `
		SELECT achievement_id, earned_at FROM user_achievements WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unlocked achievements: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			id string
			at time.Time
		)
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("failed to scan unlocked achievement: %w", err)
		}
		out[id] = at
	}
	return out, rows.Err()
}

func (t *progressTx) GrantAchievement(ctx context.Context, ua progress.UserAchievement) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO user_achievements (user_id, achievement_id, earned_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, achievement_id) DO NOTHING
	`, ua.UserID, ua.AchievementID, ua.EarnedAt)
	if err != nil {
		return false, fmt.Errorf("failed to grant achievement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SHARED QUERIES
// ══════════════════════════════════════════════════════════════════════════════

// queries holds the statements shared by the pool and transactions.
type queries struct {
	q Querier
}

func (s queries) UserActive(ctx context.Context, userID string) (bool, error) {
	return s.flag(ctx, `SELECT is_active FROM users WHERE id = $1`, userID)
}

func (s queries) LessonActive(ctx context.Context, lessonID string) (bool, error) {
	return s.flag(ctx, `SELECT is_published FROM lessons WHERE id = $1`, lessonID)
}

func (s queries) CountActiveLessons(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM lessons WHERE is_published`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count lessons: %w", err)
	}
	return n, nil
}

func (s queries) flag(ctx context.Context, sql, id string) (bool, error) {
	var v bool
	err := s.q.QueryRow(ctx, sql, id).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", id, err)
	}
	return v, nil
}

func (s queries) selectAggregate(ctx context.Context, userID string, forUpdate bool) (*progress.Aggregate, error) {
	sql := `
		SELECT user_id, total_lessons, completed_lessons, total_time_spent_seconds,
		       current_streak, longest_streak, last_activity_date,
		       average_quiz_score::float8, total_quiz_attempts, quizzed_lessons,
		       quiz_score_sum::float8, version, updated_at
		FROM progress_aggregates
		WHERE user_id = $1`
	if forUpdate {
		sql += " FOR UPDATE"
	}

	var a progress.Aggregate
	err := s.q.QueryRow(ctx, sql, userID).Scan(
		&a.UserID,
		&a.TotalLessons,
		&a.CompletedLessons,
		&a.TotalTimeSpentSeconds,
		&a.CurrentStreak,
		&a.LongestStreak,
		&a.LastActivityDate,
		&a.AverageQuizScore,
		&a.TotalQuizAttempts,
		&a.QuizzedLessons,
		&a.QuizScoreSum,
		&a.Version,
		&a.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to select aggregate: %w", err)
	}
	if a.LastActivityDate != nil {
		d := a.LastActivityDate.UTC()
		a.LastActivityDate = &d
	}
	return &a, nil
}

// zoneName returns the IANA name Postgres understands for loc.
func zoneName(loc *time.Location) string {
	if loc == nil || loc == time.Local {
		return "UTC"
	}
	return loc.String()
}
