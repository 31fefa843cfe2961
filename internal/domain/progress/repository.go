package progress

import (
	"context"
	"errors"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// STORAGE CONTRACTS
// Implementations live in infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// Directory answers questions about the lesson catalog and user accounts owned
// by the wider platform.
type Directory interface {
	// UserActive reports whether the user exists and is active.
	UserActive(ctx context.Context, userID string) (bool, error)

	// LessonActive reports whether the lesson exists and is published.
	LessonActive(ctx context.Context, lessonID string) (bool, error)

	// CountActiveLessons returns the number of published lessons.
	CountActiveLessons(ctx context.Context) (int, error)
}

// AchievementStore records unlocks.
type AchievementStore interface {
	// UnlockedAchievements returns the unlock time of every achievement the
	// user already holds, keyed by achievement id.
	UnlockedAchievements(ctx context.Context, userID string) (map[string]time.Time, error)

	// GrantAchievement inserts the unlock if absent. inserted is false when the
	// row already existed.
	GrantAchievement(ctx context.Context, ua UserAchievement) (inserted bool, err error)
}

// Tx is a unit of work scoped to one user. Every method runs in the same
// database transaction.
type Tx interface {
	Directory
	AchievementStore

	// LockAggregate returns the user's aggregate, creating an empty row on first
	// use, and holds its row lock until the transaction ends.
	LockAggregate(ctx context.Context, userID string) (*Aggregate, error)

	// SaveAggregate persists the aggregate locked earlier in this transaction.
	SaveAggregate(ctx context.Context, a *Aggregate) error

	// HasCompletedLesson reports whether any completion exists for the pair.
	HasCompletedLesson(ctx context.Context, userID, lessonID string) (bool, error)

	// AppendCompletion appends a completion to the fact log.
	AppendCompletion(ctx context.Context, e *CompletionEvent) error

	// CompletionDates returns the distinct calendar dates, in loc, on which the
	// user completed anything.
	CompletionDates(ctx context.Context, userID string, loc *time.Location) ([]time.Time, error)

	// LatestQuizAttempt returns the attempt with the highest number for the
	// pair, or nil when there is none.
	LatestQuizAttempt(ctx context.Context, userID, lessonID string) (*QuizAttempt, error)

	// AppendQuizAttempt appends an attempt to the fact log.
	AppendQuizAttempt(ctx context.Context, a *QuizAttempt) error
}

// Reader serves the dashboard read model outside of any write transaction.
type Reader interface {
	Directory

	// GetAggregate returns the stored aggregate or ErrAggregateNotFound.
	GetAggregate(ctx context.Context, userID string) (*Aggregate, error)

	// ListUserAchievements returns the user's unlocks, oldest first.
	ListUserAchievements(ctx context.Context, userID string) ([]UserAchievement, error)

	// StudyCalendar returns per-day activity for dates in [from, to] in loc.
	// Days without activity are omitted.
	StudyCalendar(ctx context.Context, userID string, from, to time.Time, loc *time.Location) ([]DayActivity, error)
}

// Store is the transactional progress store.
type Store interface {
	Reader

	// WithinUserTx runs fn in a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise. Lock and serialization failures
	// are reported as shared.ErrConcurrencyConflict.
	WithinUserTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error
}

// CatalogSource loads the achievement catalog.
type CatalogSource interface {
	LoadCatalog(ctx context.Context) ([]Achievement, error)
}

// ErrAggregateNotFound is returned by Reader.GetAggregate for users who never
// produced an event.
var ErrAggregateNotFound = errors.New("progress aggregate not found")

// ══════════════════════════════════════════════════════════════════════════════
// CACHE CONTRACT
// ══════════════════════════════════════════════════════════════════════════════

// ErrCacheMiss is returned by Cache.Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache is the backing store of the read cache. Any error other than
// ErrCacheMiss means the backend is unavailable.
//
// Every key carries a version that Invalidate bumps. A reader takes the version
// before loading from the store and writes with SetIfVersion, so a payload
// loaded before a concurrent write is never cached after that write's
// invalidation.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	InvalidatePrefix(ctx context.Context, prefix string) error

	Version(ctx context.Context, key string) (uint64, error)
	SetIfVersion(ctx context.Context, key string, payload []byte, ttl time.Duration, version uint64) (stored bool, err error)
}
