package query_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeacademy/progress-engine/internal/application/command"
	"github.com/tradeacademy/progress-engine/internal/application/query"
	"github.com/tradeacademy/progress-engine/internal/application/readcache"
	"github.com/tradeacademy/progress-engine/internal/domain/progress"
	"github.com/tradeacademy/progress-engine/internal/domain/shared"
	"github.com/tradeacademy/progress-engine/internal/infrastructure/persistence/memory"
)

type fixture struct {
	store     *memory.Store
	cache     *memory.Cache
	now       time.Time
	complete  *command.IngestCompletionHandler
	dashboard *query.GetDashboardHandler
}

func newFixture(t *testing.T, backend progress.Cache) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewStore(),
		now:   time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.store.PutUser("u1", true)
	f.store.PutUser("blocked", false)
	f.store.PutLesson("l1", true)
	f.store.PutLesson("l2", true)
	f.store.PutLesson("l3", true)
	f.store.PutLesson("l4", true)

	clock := func() time.Time { return f.now }
	f.cache = memory.NewCache(clock)
	if backend == nil {
		backend = f.cache
	}
	rc := readcache.New(backend, time.Minute, nil, nil)

	catalog, err := progress.NewCatalog(progress.DefaultCatalog())
	require.NoError(t, err)

	f.complete = command.NewIngestCompletionHandler(command.Dependencies{
		Store:     f.store,
		Updater:   progress.NewUpdater(time.UTC, clock),
		Evaluator: progress.NewEvaluator(catalog, clock),
		Cache:     rc,
		Now:       clock,
	})
	f.dashboard = query.NewGetDashboardHandler(f.store, catalog, rc, nil, clock,
		query.GetDashboardConfig{DefaultCalendarDays: 30})
	return f
}

func (f *fixture) completeAt(t *testing.T, lesson string, at time.Time, seconds int) {
	t.Helper()
	_, err := f.complete.Handle(context.Background(), command.IngestCompletionCommand{
		UserID: "u1", LessonID: lesson, SlideID: "s", CompletedAt: at, TimeSpentSeconds: seconds,
	})
	require.NoError(t, err)
}

func TestGetDashboard_EmptyUser(t *testing.T) {
	f := newFixture(t, nil)

	dto, err := f.dashboard.Handle(context.Background(), query.GetDashboardQuery{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, 4, dto.Overview.TotalLessons)
	assert.Zero(t, dto.Overview.CompletedLessons)
	assert.Zero(t, dto.Streaks.Current)
	assert.Nil(t, dto.Streaks.LastActivityDate)
	assert.Len(t, dto.Achievements, len(progress.DefaultCatalog()))
	for _, a := range dto.Achievements {
		assert.False(t, a.Earned, a.ID)
	}
	require.Len(t, dto.StudyCalendar, 30)
	assert.Equal(t, "2024-02-10", dto.StudyCalendar[0].Date)
	assert.Equal(t, "2024-03-10", dto.StudyCalendar[29].Date)
	assert.False(t, dto.Cached)
}

func TestGetDashboard_ReflectsProgress(t *testing.T) {
	f := newFixture(t, nil)
	day := func(d int) time.Time { return time.Date(2024, 3, d, 9, 0, 0, 0, time.UTC) }

	f.completeAt(t, "l1", day(8), 600)
	f.completeAt(t, "l2", day(9), 1200)
	f.completeAt(t, "l2", day(10), 300)

	dto, err := f.dashboard.Handle(context.Background(), query.GetDashboardQuery{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, 2, dto.Overview.CompletedLessons)
	assert.Equal(t, 50.0, dto.Overview.CompletionRate)
	assert.Equal(t, int64(2100), dto.Overview.TotalTimeSpentSeconds)
	assert.Equal(t, 3, dto.Streaks.Current)
	assert.Equal(t, 3, dto.Streaks.Longest)
	assert.True(t, dto.Streaks.ActiveToday)

	earned := map[string]bool{}
	for _, a := range dto.Achievements {
		if a.Earned {
			earned[a.ID] = true
			assert.NotNil(t, a.EarnedAt)
			assert.Equal(t, 100.0, a.Progress)
		}
	}
	assert.Equal(t, map[string]bool{"first_lesson": true, "streak_3": true}, earned)
	assert.Equal(t, 2, dto.Overview.AchievementsEarned)

	last := dto.StudyCalendar[len(dto.StudyCalendar)-1]
	assert.Equal(t, "2024-03-10", last.Date)
	assert.Equal(t, 1, last.Completions)
	assert.Equal(t, int64(300), last.TimeSpentSeconds)
}

func TestGetDashboard_StreakDecaysOnRead(t *testing.T) {
	f := newFixture(t, nil)
	f.completeAt(t, "l1", time.Date(2024, 3, 9, 9, 0, 0, 0, time.UTC), 60)
	f.completeAt(t, "l2", time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC), 60)

	f.now = f.now.Add(72 * time.Hour)
	dto, err := f.dashboard.Handle(context.Background(), query.GetDashboardQuery{UserID: "u1"})
	require.NoError(t, err)

	assert.Zero(t, dto.Streaks.Current)
	assert.Equal(t, 2, dto.Streaks.Longest)
	assert.False(t, dto.Streaks.ActiveToday)
}

func TestGetDashboard_CachesDefaultWindow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.dashboard.Handle(ctx, query.GetDashboardQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, f.cache.Len())

	second, err := f.dashboard.Handle(ctx, query.GetDashboardQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Overview, second.Overview)

	custom, err := f.dashboard.Handle(ctx, query.GetDashboardQuery{UserID: "u1", CalendarDays: 7})
	require.NoError(t, err)
	assert.False(t, custom.Cached)
	assert.Len(t, custom.StudyCalendar, 7)
}

func TestGetDashboard_ReadYourWrite(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.dashboard.Handle(ctx, query.GetDashboardQuery{UserID: "u1"})
	require.NoError(t, err)

	f.completeAt(t, "l1", time.Time{}, 30)

	dto, err := f.dashboard.Handle(ctx, query.GetDashboardQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, dto.Cached)
	assert.Equal(t, 1, dto.Overview.CompletedLessons)
}

func TestGetDashboard_ConcurrentReadsAgree(t *testing.T) {
	f := newFixture(t, nil)
	f.completeAt(t, "l1", time.Time{}, 30)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dto, err := f.dashboard.Handle(context.Background(), query.GetDashboardQuery{UserID: "u1"})
			if assert.NoError(t, err) {
				assert.Equal(t, 1, dto.Overview.CompletedLessons)
			}
		}()
	}
	wg.Wait()
}

func TestGetDashboard_UnknownOrInactiveUser(t *testing.T) {
	f := newFixture(t, nil)

	for _, id := range []string{"nobody", "blocked"} {
		_, err := f.dashboard.Handle(context.Background(), query.GetDashboardQuery{UserID: id})
		require.Error(t, err)
		assert.True(t, shared.IsNotFound(err), id)
	}
}

func TestGetDashboard_ValidatesWindow(t *testing.T) {
	f := newFixture(t, nil)

	for _, days := range []int{-1, query.MaxCalendarDays + 1} {
		_, err := f.dashboard.Handle(context.Background(), query.GetDashboardQuery{UserID: "u1", CalendarDays: days})
		assert.True(t, shared.IsValidation(err), "days=%d", days)
	}
	_, err := f.dashboard.Handle(context.Background(), query.GetDashboardQuery{})
	assert.True(t, shared.IsValidation(err))
}

type unavailableCache struct{}

var errDown = errors.New("connection refused")

func (unavailableCache) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (unavailableCache) Set(context.Context, string, []byte, time.Duration) error {
	return errDown
}
func (unavailableCache) Invalidate(context.Context, string) error       { return errDown }
func (unavailableCache) InvalidatePrefix(context.Context, string) error { return errDown }
func (unavailableCache) Version(context.Context, string) (uint64, error) {
	return 0, errDown
}
func (unavailableCache) SetIfVersion(context.Context, string, []byte, time.Duration, uint64) (bool, error) {
	return false, errDown
}

func TestGetDashboard_CacheDownFallsBackToStore(t *testing.T) {
	f := newFixture(t, unavailableCache{})

	f.completeAt(t, "l1", time.Time{}, 30)

	dto, err := f.dashboard.Handle(context.Background(), query.GetDashboardQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, dto.Cached)
	assert.Equal(t, 1, dto.Overview.CompletedLessons)
}

// gatedReader holds every UserActive call until release is closed and then
// fails it if its context has ended, like a database driver would.
type gatedReader struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (r *gatedReader) UserActive(ctx context.Context, userID string) (bool, error) {
	r.once.Do(func() { close(r.entered) })
	<-r.release
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return r.Store.UserActive(ctx, userID)
}

func TestGetDashboard_SharedLoadSurvivesFirstCallerLeaving(t *testing.T) {
	f := newFixture(t, nil)
	f.completeAt(t, "l1", time.Time{}, 30)

	reader := &gatedReader{Store: f.store, entered: make(chan struct{}), release: make(chan struct{})}
	catalog, err := progress.NewCatalog(progress.DefaultCatalog())
	require.NoError(t, err)
	h := query.NewGetDashboardHandler(reader, catalog, readcache.New(f.cache, time.Minute, nil, nil), nil,
		func() time.Time { return f.now }, query.GetDashboardConfig{DefaultCalendarDays: 30})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.Handle(firstCtx, query.GetDashboardQuery{UserID: "u1"})
		firstErr <- err
	}()
	<-reader.entered

	type result struct {
		dto *query.DashboardDTO
		err error
	}
	second := make(chan result, 1)
	go func() {
		dto, err := h.Handle(context.Background(), query.GetDashboardQuery{UserID: "u1"})
		second <- result{dto, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(reader.release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.dto.Overview.CompletedLessons)
}
