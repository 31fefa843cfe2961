package progress_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeacademy/progress-engine/internal/domain/progress"
	"github.com/tradeacademy/progress-engine/internal/infrastructure/persistence/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newFixture(t *testing.T) (*memory.Store, *progress.Updater, *progress.Evaluator, *clock) {
	t.Helper()
	store := memory.NewStore()
	store.PutUser("u1", true)
	for i := 1; i <= 4; i++ {
		store.PutLesson(fmt.Sprintf("l%d", i), true)
	}
	clk := &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	catalog, err := progress.NewCatalog(progress.DefaultCatalog())
	require.NoError(t, err)
	return store, progress.NewUpdater(time.UTC, clk.Now), progress.NewEvaluator(catalog, clk.Now), clk
}

func complete(t *testing.T, store progress.Store, u *progress.Updater, lesson string, at time.Time, secs int) *progress.Aggregate {
	t.Helper()
	var agg *progress.Aggregate
	err := store.WithinUserTx(context.Background(), "u1", func(ctx context.Context, tx progress.Tx) error {
		ev, err := progress.NewCompletionEvent(progress.NewCompletionEventParams{
			ID: fmt.Sprintf("%s-%d", lesson, at.UnixNano()), UserID: "u1", LessonID: lesson,
			SlideID: "s1", CompletedAt: at, TimeSpentSeconds: secs,
		}, at)
		if err != nil {
			return err
		}
		agg, err = u.ApplyCompletion(ctx, tx, ev)
		return err
	})
	require.NoError(t, err)
	return agg
}

func submit(t *testing.T, store progress.Store, u *progress.Updater, lesson string, score int) *progress.Aggregate {
	t.Helper()
	var agg *progress.Aggregate
	err := store.WithinUserTx(context.Background(), "u1", func(ctx context.Context, tx progress.Tx) error {
		a, err := progress.NewQuizAttempt(progress.NewQuizAttemptParams{
			ID: fmt.Sprintf("q-%s-%d", lesson, score), UserID: "u1", LessonID: lesson, Score: score, MaxScore: 100,
		}, time.Now())
		if err != nil {
			return err
		}
		prev, err := tx.LatestQuizAttempt(ctx, "u1", lesson)
		if err != nil {
			return err
		}
		if err := a.Sequence(prev); err != nil {
			return err
		}
		agg, err = u.ApplyQuizAttempt(ctx, tx, a, prev)
		return err
	})
	require.NoError(t, err)
	return agg
}

func TestUpdater_CompletedLessonsCountsDistinctLessons(t *testing.T) {
	store, u, _, clk := newFixture(t)
	now := clk.Now()

	complete(t, store, u, "l1", now, 60)
	complete(t, store, u, "l1", now, 30)
	complete(t, store, u, "l2", now, 10)
	agg := complete(t, store, u, "l1", now, 5)

	assert.Equal(t, 2, agg.CompletedLessons)
	assert.Equal(t, int64(105), agg.TotalTimeSpentSeconds)
	assert.Equal(t, 4, agg.TotalLessons)
	assert.Equal(t, int64(4), agg.Version)
}

func TestUpdater_StreakScenario(t *testing.T) {
	store, u, _, clk := newFixture(t)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, d := range []int{0, 1, 2, 4} {
		at := base.AddDate(0, 0, d)
		clk.Set(at)
		agg := complete(t, store, u, fmt.Sprintf("l%d", d%4+1), at, 60)
		assert.LessOrEqual(t, agg.CurrentStreak, agg.LongestStreak)
	}

	agg, err := store.GetAggregate(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, agg.CurrentStreak)
	assert.Equal(t, 3, agg.LongestStreak)
	require.NotNil(t, agg.LastActivityDate)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), *agg.LastActivityDate)
}

func TestUpdater_BackfilledCompletionKeepsLastActivity(t *testing.T) {
	store, u, _, clk := newFixture(t)
	now := clk.Now()

	complete(t, store, u, "l1", now, 60)
	agg := complete(t, store, u, "l2", now.AddDate(0, 0, -1), 60)

	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), *agg.LastActivityDate)
	assert.Equal(t, 2, agg.CurrentStreak)
}

func TestUpdater_QuizAverageUsesLatestAttemptPerLesson(t *testing.T) {
	store, u, _, _ := newFixture(t)

	agg := submit(t, store, u, "l1", 60)
	assert.Equal(t, 60.0, agg.AverageQuizScore)

	agg = submit(t, store, u, "l1", 90)
	assert.Equal(t, 90.0, agg.AverageQuizScore)
	assert.Equal(t, 2, agg.TotalQuizAttempts)

	agg = submit(t, store, u, "l2", 70)
	assert.Equal(t, 80.0, agg.AverageQuizScore)
	assert.Equal(t, 3, agg.TotalQuizAttempts)
	assert.Equal(t, 2, agg.QuizzedLessons)
}

func TestUpdater_QuizAverageStaysExactOverManyResubmissions(t *testing.T) {
	store, u, _, _ := newFixture(t)
	rng := rand.New(rand.NewPCG(7, 11))
	lessons := []string{"l1", "l2", "l3"}
	latest := map[string]float64{}

	for i := 0; i < 2000; i++ {
		lesson := lessons[rng.IntN(len(lessons))]
		score, maxScore := rng.IntN(301), 300

		var agg *progress.Aggregate
		err := store.WithinUserTx(context.Background(), "u1", func(ctx context.Context, tx progress.Tx) error {
			a, err := progress.NewQuizAttempt(progress.NewQuizAttemptParams{
				ID: fmt.Sprintf("q-%d", i), UserID: "u1", LessonID: lesson, Score: score, MaxScore: maxScore,
			}, time.Now())
			if err != nil {
				return err
			}
			prev, err := tx.LatestQuizAttempt(ctx, "u1", lesson)
			if err != nil {
				return err
			}
			if err := a.Sequence(prev); err != nil {
				return err
			}
			agg, err = u.ApplyQuizAttempt(ctx, tx, a, prev)
			return err
		})
		require.NoError(t, err)

		latest[lesson] = progress.Percentage(score, maxScore)
		var sum float64
		for _, p := range latest {
			sum += p
		}
		sum = math.Round(sum*100) / 100
		want := math.Round(sum/float64(len(latest))*100) / 100
		require.InDelta(t, want, agg.AverageQuizScore, 1e-9, "submission %d", i)
		require.Equal(t, len(latest), agg.QuizzedLessons)
	}
}

func TestUpdater_FailedTransactionLeavesAggregateUntouched(t *testing.T) {
	store, u, _, clk := newFixture(t)
	complete(t, store, u, "l1", clk.Now(), 60)

	boom := errors.New("downstream failure")
	err := store.WithinUserTx(context.Background(), "u1", func(ctx context.Context, tx progress.Tx) error {
		ev, _ := progress.NewCompletionEvent(progress.NewCompletionEventParams{
			ID: "e-fail", UserID: "u1", LessonID: "l2", SlideID: "s", TimeSpentSeconds: 500,
		}, clk.Now())
		if _, err := u.ApplyCompletion(ctx, tx, ev); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	agg, err := store.GetAggregate(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, agg.CompletedLessons)
	assert.Equal(t, int64(60), agg.TotalTimeSpentSeconds)
}

func TestEvaluator_ReturnsOnlyNewUnlocks(t *testing.T) {
	store, u, ev, clk := newFixture(t)
	ctx := context.Background()

	var first, second []progress.Achievement
	complete(t, store, u, "l1", clk.Now(), 3600)
	err := store.WithinUserTx(ctx, "u1", func(ctx context.Context, tx progress.Tx) error {
		agg, err := u.Lock(ctx, tx, "u1")
		if err != nil {
			return err
		}
		first, err = ev.Evaluate(ctx, tx, agg)
		if err != nil {
			return err
		}
		second, err = ev.Evaluate(ctx, tx, agg)
		return err
	})
	require.NoError(t, err)

	ids := make([]string, 0, len(first))
	for _, a := range first {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []string{"first_lesson", "time_1h"}, ids)
	assert.Empty(t, second)
}

func TestEvaluator_ConcurrentCallsUnlockOnce(t *testing.T) {
	store, u, ev, clk := newFixture(t)
	complete(t, store, u, "l1", clk.Now(), 10)

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.WithinUserTx(context.Background(), "u1", func(ctx context.Context, tx progress.Tx) error {
				agg, err := u.Lock(ctx, tx, "u1")
				if err != nil {
					return err
				}
				got, err := ev.Evaluate(ctx, tx, agg)
				mu.Lock()
				total += len(got)
				mu.Unlock()
				return err
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total)
	held, err := store.ListUserAchievements(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, held, 1)
	assert.Equal(t, "first_lesson", held[0].AchievementID)
}
