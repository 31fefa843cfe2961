// Package memory provides in-process implementations of the progress store and
// read cache. Cache backs CACHE_BACKEND=memory. Store is the in-process double
// of the Postgres store used by the engine tests; it gives the same per-user
// transactional guarantees but has no user or lesson directory of its own, so
// the service never runs on it.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tradeacademy/progress-engine/internal/domain/progress"
	"github.com/tradeacademy/progress-engine/pkg/timeutil"
)

type userState struct {
	aggregate    *progress.Aggregate
	completions  []progress.CompletionEvent
	attempts     []progress.QuizAttempt
	achievements map[string]time.Time
}

func (s *userState) clone() *userState {
	c := &userState{
		completions:  append([]progress.CompletionEvent(nil), s.completions...),
		attempts:     append([]progress.QuizAttempt(nil), s.attempts...),
		achievements: make(map[string]time.Time, len(s.achievements)),
	}
	if s.aggregate != nil {
		c.aggregate = s.aggregate.Clone()
	}
	for k, v := range s.achievements {
		c.achievements[k] = v
	}
	return c
}

// Store is an in-memory progress.Store.
//
// A transaction works on a private copy of the user's state and publishes it on
// commit. Transactions of one user are serialised by a per-user mutex; users
// never share a lock beyond the short critical sections on the maps.
type Store struct {
	mu      sync.RWMutex
	states  map[string]*userState
	locks   map[string]*sync.Mutex
	users   map[string]bool
	lessons map[string]bool
	catalog []progress.Achievement
}

// NewStore creates an empty store holding the default achievement catalog.
func NewStore() *Store {
	return &Store{
		states:  make(map[string]*userState),
		locks:   make(map[string]*sync.Mutex),
		users:   make(map[string]bool),
		lessons: make(map[string]bool),
		catalog: progress.DefaultCatalog(),
	}
}

// PutUser registers a user account.
func (s *Store) PutUser(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = active
}

// PutLesson registers a lesson.
func (s *Store) PutLesson(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lessons[id] = active
}

// SetCatalog replaces the catalog returned by LoadCatalog.
func (s *Store) SetCatalog(items []progress.Achievement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = append([]progress.Achievement(nil), items...)
}

// LoadCatalog implements progress.CatalogSource.
func (s *Store) LoadCatalog(_ context.Context) ([]progress.Achievement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]progress.Achievement(nil), s.catalog...), nil
}

func (s *Store) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSACTIONS
// ══════════════════════════════════════════════════════════════════════════════

// WithinUserTx implements progress.Store.
func (s *Store) WithinUserTx(ctx context.Context, userID string, fn func(ctx context.Context, tx progress.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current, ok := s.states[userID]
	s.mu.RUnlock()
	var work *userState
	if ok {
		work = current.clone()
	} else {
		work = &userState{achievements: make(map[string]time.Time)}
	}

	if err := fn(ctx, &tx{store: s, userID: userID, state: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.states[userID] = work
	s.mu.Unlock()
	return nil
}

type tx struct {
	store  *Store
	userID string
	state  *userState
}

func (t *tx) own(userID string) error {
	if userID != t.userID {
		return fmt.Errorf("transaction for user %s cannot access user %s", t.userID, userID)
	}
	return nil
}

func (t *tx) UserActive(ctx context.Context, userID string) (bool, error) {
	return t.store.UserActive(ctx, userID)
}

func (t *tx) LessonActive(ctx context.Context, lessonID string) (bool, error) {
	return t.store.LessonActive(ctx, lessonID)
}

func (t *tx) CountActiveLessons(ctx context.Context) (int, error) {
	return t.store.CountActiveLessons(ctx)
}

func (t *tx) LockAggregate(_ context.Context, userID string) (*progress.Aggregate, error) {
	if err := t.own(userID); err != nil {
		return nil, err
	}
	if t.state.aggregate == nil {
		t.state.aggregate = progress.NewAggregate(userID)
	}
	return t.state.aggregate.Clone(), nil
}

func (t *tx) SaveAggregate(_ context.Context, a *progress.Aggregate) error {
	if err := t.own(a.UserID); err != nil {
		return err
	}
	t.state.aggregate = a.Clone()
	return nil
}

func (t *tx) HasCompletedLesson(_ context.Context, userID, lessonID string) (bool, error) {
	if err := t.own(userID); err != nil {
		return false, err
	}
	for _, c := range t.state.completions {
		if c.LessonID == lessonID {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) AppendCompletion(_ context.Context, e *progress.CompletionEvent) error {
	if err := t.own(e.UserID); err != nil {
		return err
	}
	t.state.completions = append(t.state.completions, *e)
	return nil
}

func (t *tx) CompletionDates(_ context.Context, userID string, loc *time.Location) ([]time.Time, error) {
	if err := t.own(userID); err != nil {
		return nil, err
	}
	seen := make(map[time.Time]struct{})
	var dates []time.Time
	for _, c := range t.state.completions {
		d := timeutil.DateIn(c.CompletedAt, loc)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].After(dates[j]) })
	return dates, nil
}

func (t *tx) LatestQuizAttempt(_ context.Context, userID, lessonID string) (*progress.QuizAttempt, error) {
	if err := t.own(userID); err != nil {
		return nil, err
	}
	var latest *progress.QuizAttempt
	for i := range t.state.attempts {
		a := t.state.attempts[i]
		if a.LessonID != lessonID {
			continue
		}
		if latest == nil || a.AttemptNumber > latest.AttemptNumber {
			latest = &a
		}
	}
	return latest, nil
}

func (t *tx) AppendQuizAttempt(_ context.Context, a *progress.QuizAttempt) error {
	if err := t.own(a.UserID); err != nil {
		return err
	}
	for _, existing := range t.state.attempts {
		if existing.LessonID == a.LessonID && existing.AttemptNumber == a.AttemptNumber {
			return fmt.Errorf("duplicate attempt %d for lesson %s", a.AttemptNumber, a.LessonID)
		}
	}
	t.state.attempts = append(t.state.attempts, *a)
	return nil
}

func (t *tx) UnlockedAchievements(_ context.Context, userID string) (map[string]time.Time, error) {
	if err := t.own(userID); err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(t.state.achievements))
	for k, v := range t.state.achievements {
		out[k] = v
	}
	return out, nil
}

func (t *tx) GrantAchievement(_ context.Context, ua progress.UserAchievement) (bool, error) {
	if err := t.own(ua.UserID); err != nil {
		return false, err
	}
	if _, ok := t.state.achievements[ua.AchievementID]; ok {
		return false, nil
	}
	t.state.achievements[ua.AchievementID] = ua.EarnedAt
	return true, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

// UserActive implements progress.Directory.
func (s *Store) UserActive(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID], nil
}

// LessonActive implements progress.Directory.
func (s *Store) LessonActive(_ context.Context, lessonID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lessons[lessonID], nil
}

// CountActiveLessons implements progress.Directory.
func (s *Store) CountActiveLessons(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, active := range s.lessons {
		if active {
			n++
		}
	}
	return n, nil
}

// GetAggregate implements progress.Reader.
func (s *Store) GetAggregate(_ context.Context, userID string) (*progress.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[userID]
	if !ok || st.aggregate == nil {
		return nil, progress.ErrAggregateNotFound
	}
	return st.aggregate.Clone(), nil
}

// ListUserAchievements implements progress.Reader.
func (s *Store) ListUserAchievements(_ context.Context, userID string) ([]progress.UserAchievement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[userID]
	if !ok {
		return nil, nil
	}
	out := make([]progress.UserAchievement, 0, len(st.achievements))
	for id, at := range st.achievements {
		out = append(out, progress.UserAchievement{UserID: userID, AchievementID: id, EarnedAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EarnedAt.Equal(out[j].EarnedAt) {
			return out[i].AchievementID < out[j].AchievementID
		}
		return out[i].EarnedAt.Before(out[j].EarnedAt)
	})
	return out, nil
}

// StudyCalendar implements progress.Reader.
func (s *Store) StudyCalendar(_ context.Context, userID string, from, to time.Time, loc *time.Location) ([]progress.DayActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[userID]
	if !ok {
		return nil, nil
	}

	byDate := make(map[time.Time]*progress.DayActivity)
	for _, c := range st.completions {
		d := timeutil.DateIn(c.CompletedAt, loc)
		if d.Before(from) || d.After(to) {
			continue
		}
		day, ok := byDate[d]
		if !ok {
			day = &progress.DayActivity{Date: d}
			byDate[d] = day
		}
		day.Completions++
		day.TimeSpentSeconds += int64(c.TimeSpentSeconds)
	}

	out := make([]progress.DayActivity, 0, len(byDate))
	for _, d := range byDate {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}
