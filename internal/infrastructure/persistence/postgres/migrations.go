package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tradeacademy/progress-engine/internal/domain/progress"
)

// migrationLockID keys the advisory lock that serializes migrations when
// several instances start at once.
const migrationLockID = 0x70726f67

// Migration is one forward-only schema step.
type Migration struct {
	Version   int
	Name      string
	SQL       string
	AppliedAt time.Time
	IsApplied bool
}

// Migrations returns the embedded migrations in version order.
func Migrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_progress", SQL: migration001},
		{Version: 2, Name: "seed_achievements", SQL: seedAchievementsSQL(progress.DefaultCatalog())},
		{Version: 3, Name: "add_quiz_score_sum", SQL: migration003},
	}
}

// Migrator applies Migrations and records them in schema_migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
}

func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{conn: conn, migrations: Migrations()}
}

const createMigrationTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
)`

// Migrate applies pending migrations, each in its own transaction under the
// migration advisory lock. A version applied by another instance while this
// one waited for the lock is skipped.
func (m *Migrator) Migrate(ctx context.Context) error {
	if _, err := m.conn.Exec(ctx, createMigrationTable); err != nil {
		return fmt.Errorf("%w: create schema_migrations: %v", ErrMigrationFailed, err)
	}

	for _, mig := range m.migrations {
		err := m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
				return err
			}

			var applied bool
			err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, mig.Version).Scan(&applied)
			if err != nil || applied {
				return err
			}

			if _, err := tx.Exec(ctx, mig.SQL); err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
				mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: version %d (%s): %v", ErrMigrationFailed, mig.Version, mig.Name, err)
		}
	}
	return nil
}

// Status reports every embedded migration and whether it has been applied.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	rows, err := m.conn.Query(ctx, `SELECT version, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	for i := range out {
		out[i].AppliedAt, out[i].IsApplied = applied[out[i].Version]
	}
	return out, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: PROGRESS SCHEMA
// ══════════════════════════════════════════════════════════════════════════════

// users and lessons are owned by the platform; the IF NOT EXISTS guards let the
// engine run against a shared database or a standalone one.
const migration001 = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS lessons (
    id TEXT PRIMARY KEY,
    is_published BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS completion_events (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    lesson_id TEXT NOT NULL REFERENCES lessons(id),
    slide_id TEXT NOT NULL,
    completed_at TIMESTAMP WITH TIME ZONE NOT NULL,
    time_spent_seconds INTEGER NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_time_spent CHECK (time_spent_seconds >= 0)
);

CREATE INDEX IF NOT EXISTS idx_completion_events_user_lesson ON completion_events(user_id, lesson_id);
CREATE INDEX IF NOT EXISTS idx_completion_events_user_completed ON completion_events(user_id, completed_at DESC);

CREATE TABLE IF NOT EXISTS quiz_attempts (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    lesson_id TEXT NOT NULL REFERENCES lessons(id),
    score INTEGER NOT NULL,
    max_score INTEGER NOT NULL,
    percentage NUMERIC(5,2) NOT NULL,
    passed BOOLEAN NOT NULL,
    attempt_number INTEGER NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL,

    CONSTRAINT valid_score CHECK (max_score > 0 AND score >= 0 AND score <= max_score),
    CONSTRAINT valid_attempt_number CHECK (attempt_number >= 1),
    CONSTRAINT unique_attempt UNIQUE (user_id, lesson_id, attempt_number)
);

CREATE TABLE IF NOT EXISTS progress_aggregates (
    user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
    total_lessons INTEGER NOT NULL DEFAULT 0,
    completed_lessons INTEGER NOT NULL DEFAULT 0,
    total_time_spent_seconds BIGINT NOT NULL DEFAULT 0,
    current_streak INTEGER NOT NULL DEFAULT 0,
    longest_streak INTEGER NOT NULL DEFAULT 0,
    last_activity_date DATE,
    average_quiz_score NUMERIC(5,2) NOT NULL DEFAULT 0,
    total_quiz_attempts INTEGER NOT NULL DEFAULT 0,
    quizzed_lessons INTEGER NOT NULL DEFAULT 0,
    version BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_streaks CHECK (current_streak >= 0 AND current_streak <= longest_streak),
    CONSTRAINT valid_completion CHECK (completed_lessons >= 0 AND completed_lessons <= total_lessons)
);

CREATE TABLE IF NOT EXISTS achievements (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL,
    criteria_kind TEXT NOT NULL,
    threshold NUMERIC(12,2) NOT NULL,
    category TEXT NOT NULL,
    points INTEGER NOT NULL DEFAULT 0,

    CONSTRAINT valid_criteria_kind CHECK (criteria_kind IN ('lessons_completed', 'streak_days', 'time_spent', 'quiz_average'))
);

CREATE TABLE IF NOT EXISTS user_achievements (
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    achievement_id TEXT NOT NULL REFERENCES achievements(id),
    earned_at TIMESTAMP WITH TIME ZONE NOT NULL,

    PRIMARY KEY (user_id, achievement_id)
);
`

// migration003 stores the unrounded sum behind average_quiz_score and rebuilds
// both from the latest attempt of every quizzed lesson.
const migration003 = `
ALTER TABLE progress_aggregates
    ADD COLUMN IF NOT EXISTS quiz_score_sum NUMERIC(14,2) NOT NULL DEFAULT 0;

UPDATE progress_aggregates pa SET
    quiz_score_sum = latest.total,
    quizzed_lessons = latest.lessons,
    average_quiz_score = ROUND(latest.total / latest.lessons, 2)
FROM (
    SELECT user_id, SUM(percentage) AS total, COUNT(*) AS lessons
    FROM (
        SELECT DISTINCT ON (user_id, lesson_id) user_id, percentage
        FROM quiz_attempts
        ORDER BY user_id, lesson_id, attempt_number DESC
    ) per_lesson
    GROUP BY user_id
) latest
WHERE pa.user_id = latest.user_id;
`

// seedAchievementsSQL renders the catalog as an idempotent insert.
func seedAchievementsSQL(catalog []progress.Achievement) string {
	var b strings.Builder
	b.WriteString("INSERT INTO achievements (id, name, description, criteria_kind, threshold, category, points) VALUES\n")
	for i, a := range catalog {
		if i > 0 {
			b.WriteString(",\n")
		}
		fmt.Fprintf(&b, "    (%s, %s, %s, %s, %g, %s, %d)",
			quote(a.ID), quote(a.Name), quote(a.Description), quote(a.Criteria.String()),
			a.Threshold, quote(a.Category), a.Points)
	}
	b.WriteString("\nON CONFLICT (id) DO NOTHING;\n")
	return b.String()
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
