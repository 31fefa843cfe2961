package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeacademy/progress-engine/internal/domain/progress"
	"github.com/tradeacademy/progress-engine/internal/domain/shared"
)

func TestMapConflict(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		err := mapConflict(fmt.Errorf("update: %w", &pgconn.PgError{Code: code}))
		assert.True(t, shared.IsConcurrencyConflict(err), code)
	}

	plain := errors.New("boom")
	assert.Same(t, plain, mapConflict(plain))
	assert.False(t, shared.IsConcurrencyConflict(mapConflict(&pgconn.PgError{Code: "23503"})))
	assert.NoError(t, mapConflict(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(errors.New("23505")))
}

func TestSeedAchievementsSQL(t *testing.T) {
	sql := seedAchievementsSQL([]progress.Achievement{
		{ID: "first_lesson", Name: "First Step", Description: "Trader's first lesson", Criteria: progress.CriteriaLessonsCompleted, Threshold: 1, Category: "milestone", Points: 10},
		{ID: "time_1h", Name: "Hour", Description: "One hour", Criteria: progress.CriteriaTimeSpent, Threshold: 3600, Category: "dedication", Points: 5},
	})

	assert.Contains(t, sql, "('first_lesson', 'First Step', 'Trader''s first lesson', 'lessons_completed', 1, 'milestone', 10)")
	assert.Contains(t, sql, "'time_spent', 3600,")
	assert.True(t, strings.HasSuffix(sql, "ON CONFLICT (id) DO NOTHING;\n"))
}

func TestMigrationsSeedDefaultCatalog(t *testing.T) {
	migrations := Migrations()
	require.Len(t, migrations, 3)
	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version)
	}
	for _, a := range progress.DefaultCatalog() {
		assert.Contains(t, migrations[1].SQL, "'"+a.ID+"'")
	}
}

func TestConnection_ClosedFailsFast(t *testing.T) {
	conn := &Connection{closed: true}
	ctx := context.Background()

	assert.ErrorIs(t, conn.Ping(ctx), ErrConnectionClosed)
	_, err := conn.Exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrConnectionClosed)
	var one int
	assert.ErrorIs(t, conn.QueryRow(ctx, "SELECT 1").Scan(&one), ErrConnectionClosed)
	assert.ErrorIs(t, conn.WithTx(ctx, DefaultTxOptions(), func(pgx.Tx) error { return nil }), ErrConnectionClosed)
	conn.Close()
}

func TestZoneName(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	assert.Equal(t, "UTC", zoneName(nil))
	assert.Equal(t, "UTC", zoneName(time.UTC))
	assert.Equal(t, "Europe/Berlin", zoneName(berlin))
}

// ══════════════════════════════════════════════════════════════════════════════
// INTEGRATION
// ══════════════════════════════════════════════════════════════════════════════

func openTestRepo(t *testing.T) (*ProgressRepository, *Connection) {
	t.Helper()
	url := os.Getenv("PROGRESS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PROGRESS_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.URL = url
	conn, err := NewConnection(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	require.NoError(t, NewMigrator(conn).Migrate(ctx))
	return NewProgressRepository(conn, time.Second), conn
}

func TestMigrator_Idempotent(t *testing.T) {
	_, conn := openTestRepo(t)
	ctx := context.Background()
	m := NewMigrator(conn)

	require.NoError(t, m.Migrate(ctx))
	status, err := m.Status(ctx)
	require.NoError(t, err)
	for _, s := range status {
		assert.True(t, s.IsApplied, s.Name)
		assert.False(t, s.AppliedAt.IsZero())
	}
}

func seed(t *testing.T, conn *Connection, lessons int) (userID string, lessonIDs []string) {
	t.Helper()
	ctx := context.Background()
	userID = "it-" + uuid.NewString()
	_, err := conn.Exec(ctx, `INSERT INTO users (id, is_active) VALUES ($1, TRUE)`, userID)
	require.NoError(t, err)
	for i := 0; i < lessons; i++ {
		id := "it-" + uuid.NewString()
		_, err := conn.Exec(ctx, `INSERT INTO lessons (id, is_published) VALUES ($1, TRUE)`, id)
		require.NoError(t, err)
		lessonIDs = append(lessonIDs, id)
	}
	return userID, lessonIDs
}

func TestProgressRepository_Integration(t *testing.T) {
	repo, conn := openTestRepo(t)
	ctx := context.Background()
	userID, lessons := seed(t, conn, 2)

	catalog, err := repo.LoadCatalog(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(catalog), len(progress.DefaultCatalog()))

	active, err := repo.UserActive(ctx, userID)
	require.NoError(t, err)
	assert.True(t, active)
	active, err = repo.LessonActive(ctx, "missing-"+uuid.NewString())
	require.NoError(t, err)
	assert.False(t, active)

	_, err = repo.GetAggregate(ctx, userID)
	assert.ErrorIs(t, err, progress.ErrAggregateNotFound)

	day := time.Date(2024, 5, 2, 23, 30, 0, 0, time.UTC)
	err = repo.WithinUserTx(ctx, userID, func(ctx context.Context, tx progress.Tx) error {
		agg, err := tx.LockAggregate(ctx, userID)
		if err != nil {
			return err
		}
		if err := tx.AppendCompletion(ctx, &progress.CompletionEvent{
			ID: uuid.NewString(), UserID: userID, LessonID: lessons[0], SlideID: "s1",
			CompletedAt: day, TimeSpentSeconds: 90,
		}); err != nil {
			return err
		}
		done, err := tx.HasCompletedLesson(ctx, userID, lessons[0])
		if err != nil || !done {
			return fmt.Errorf("completion not visible: %v", err)
		}
		inserted, err := tx.GrantAchievement(ctx, progress.UserAchievement{UserID: userID, AchievementID: "first_lesson", EarnedAt: day})
		if err != nil || !inserted {
			return fmt.Errorf("grant failed: %v", err)
		}
		inserted, err = tx.GrantAchievement(ctx, progress.UserAchievement{UserID: userID, AchievementID: "first_lesson", EarnedAt: day})
		if err != nil || inserted {
			return fmt.Errorf("duplicate grant inserted: %v", err)
		}

		d := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
		agg.CompletedLessons = 1
		agg.TotalLessons = 2
		agg.TotalTimeSpentSeconds = 90
		agg.CurrentStreak, agg.LongestStreak = 1, 1
		agg.LastActivityDate = &d
		agg.QuizzedLessons, agg.QuizScoreSum, agg.AverageQuizScore = 3, 200.01, 66.67
		agg.Version = 1
		agg.UpdatedAt = day
		return tx.SaveAggregate(ctx, agg)
	})
	require.NoError(t, err)

	agg, err := repo.GetAggregate(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.CompletedLessons)
	assert.Equal(t, int64(1), agg.Version)
	assert.Equal(t, 200.01, agg.QuizScoreSum)
	assert.Equal(t, 66.67, agg.AverageQuizScore)
	require.NotNil(t, agg.LastActivityDate)
	assert.Equal(t, "2024-05-02", agg.LastActivityDate.Format("2006-01-02"))

	// 23:30 UTC is already the next day in Almaty.
	almaty, err := time.LoadLocation("Asia/Almaty")
	require.NoError(t, err)
	days, err := repo.StudyCalendar(ctx, userID,
		time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC), almaty)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, "2024-05-03", days[0].Date.Format("2006-01-02"))
	assert.Equal(t, int64(90), days[0].TimeSpentSeconds)

	unlocks, err := repo.ListUserAchievements(ctx, userID)
	require.NoError(t, err)
	require.Len(t, unlocks, 1)
	assert.Equal(t, "first_lesson", unlocks[0].AchievementID)
}

func TestProgressRepository_FailedTxRollsBack(t *testing.T) {
	repo, conn := openTestRepo(t)
	ctx := context.Background()
	userID, lessons := seed(t, conn, 1)

	boom := errors.New("boom")
	err := repo.WithinUserTx(ctx, userID, func(ctx context.Context, tx progress.Tx) error {
		if _, err := tx.LockAggregate(ctx, userID); err != nil {
			return err
		}
		if err := tx.AppendCompletion(ctx, &progress.CompletionEvent{
			ID: uuid.NewString(), UserID: userID, LessonID: lessons[0], SlideID: "s", CompletedAt: time.Now(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = repo.GetAggregate(ctx, userID)
	assert.ErrorIs(t, err, progress.ErrAggregateNotFound)
}

func TestProgressRepository_QuizAttemptUniqueness(t *testing.T) {
	repo, conn := openTestRepo(t)
	ctx := context.Background()
	userID, lessons := seed(t, conn, 1)

	attempt := func() *progress.QuizAttempt {
		return &progress.QuizAttempt{
			ID: uuid.NewString(), UserID: userID, LessonID: lessons[0],
			Score: 8, MaxScore: 10, Percentage: 80, Passed: true, AttemptNumber: 1, CreatedAt: time.Now().UTC(),
		}
	}

	require.NoError(t, repo.WithinUserTx(ctx, userID, func(ctx context.Context, tx progress.Tx) error {
		return tx.AppendQuizAttempt(ctx, attempt())
	}))

	err := repo.WithinUserTx(ctx, userID, func(ctx context.Context, tx progress.Tx) error {
		return tx.AppendQuizAttempt(ctx, attempt())
	})
	assert.True(t, shared.IsConcurrencyConflict(err))

	require.NoError(t, repo.WithinUserTx(ctx, userID, func(ctx context.Context, tx progress.Tx) error {
		latest, err := tx.LatestQuizAttempt(ctx, userID, lessons[0])
		if err != nil {
			return err
		}
		assert.Equal(t, 1, latest.AttemptNumber)
		assert.Equal(t, 80.0, latest.Percentage)
		return nil
	}))
}

func TestProgressRepository_RowLockSerialisesWriters(t *testing.T) {
	repo, conn := openTestRepo(t)
	ctx := context.Background()
	userID, _ := seed(t, conn, 0)

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.WithinUserTx(ctx, userID, func(ctx context.Context, tx progress.Tx) error {
				agg, err := tx.LockAggregate(ctx, userID)
				if err != nil {
					return err
				}
				agg.TotalTimeSpentSeconds += 10
				agg.Version++
				return tx.SaveAggregate(ctx, agg)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	agg, err := repo.GetAggregate(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(writers*10), agg.TotalTimeSpentSeconds)
	assert.Equal(t, int64(writers), agg.Version)
}

func TestProgressRepository_LockTimeoutIsConflict(t *testing.T) {
	_, conn := openTestRepo(t)
	repo := NewProgressRepository(conn, 100*time.Millisecond)
	ctx := context.Background()
	userID, _ := seed(t, conn, 0)

	locked := make(chan struct{})
	release := make(chan struct{})
	holder := make(chan error, 1)
	go func() {
		holder <- repo.WithinUserTx(ctx, userID, func(ctx context.Context, tx progress.Tx) error {
			if _, err := tx.LockAggregate(ctx, userID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	start := time.Now()
	err := repo.WithinUserTx(ctx, userID, func(ctx context.Context, tx progress.Tx) error {
		_, err := tx.LockAggregate(ctx, userID)
		return err
	})
	close(release)

	assert.True(t, shared.IsConcurrencyConflict(err), "got %v", err)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.NoError(t, <-holder)
}
