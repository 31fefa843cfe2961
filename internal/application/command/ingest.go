// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tradeacademy/progress-engine/internal/application/readcache"
	"github.com/tradeacademy/progress-engine/internal/domain/progress"
	"github.com/tradeacademy/progress-engine/internal/domain/shared"
	"github.com/tradeacademy/progress-engine/internal/infrastructure/metrics"
	"github.com/tradeacademy/progress-engine/pkg/logger"
	"github.com/tradeacademy/progress-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// SHARED INGESTION PLUMBING
// Every write runs in one user-scoped transaction, is retried once on a lock
// conflict, and invalidates the user's read cache entry before returning.
// ══════════════════════════════════════════════════════════════════════════════

// Event kinds used in logs and metrics.
const (
	KindCompletion = "completion"
	KindQuiz       = "quiz_attempt"
	KindEvaluate   = "evaluate"
)

// Dependencies are the collaborators shared by all command handlers.
type Dependencies struct {
	Store     progress.Store
	Updater   *progress.Updater
	Evaluator *progress.Evaluator
	Cache     *readcache.ReadCache
	Metrics   *metrics.Metrics
	Logger    *logger.Logger

	// Publisher receives committed events; nil disables publishing.
	Publisher progress.Publisher

	// Now defaults to time.Now.
	Now func() time.Time
	// NewID defaults to random UUIDs.
	NewID func() string
}

func (d *Dependencies) defaults() {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if d.Cache == nil {
		d.Cache = readcache.New(nil, 0, d.Logger, d.Metrics)
	}
}

// IngestResult is returned to the API layer after a successful write.
type IngestResult struct {
	Aggregate       *progress.Aggregate    `json:"aggregate"`
	NewAchievements []progress.Achievement `json:"new_achievements"`
}

type ingestor struct {
	deps    Dependencies
	log     *logger.Logger
	retrier *retry.Retrier
}

func newIngestor(deps Dependencies, component string) ingestor {
	deps.defaults()
	log := deps.Logger.With(logger.Component(component))
	m := deps.Metrics
	return ingestor{
		deps: deps,
		log:  log,
		retrier: retry.ConflictRetrier(shared.IsConcurrencyConflict, func(attempt int, err error, delay time.Duration) {
			m.ConflictRetried()
			log.Warn("aggregate lock conflict, retrying",
				logger.Int("attempt", attempt), logger.Duration("delay", delay), logger.Err(err))
		}),
	}
}

// run executes fn in a user transaction with the single conflict retry.
func (i *ingestor) run(ctx context.Context, userID string, fn func(ctx context.Context, tx progress.Tx) error) error {
	return i.retrier.Do(ctx, func(ctx context.Context) error {
		return i.deps.Store.WithinUserTx(ctx, userID, fn)
	})
}

// checkActive rejects events for unknown or inactive users and lessons.
func checkActive(ctx context.Context, tx progress.Tx, userID, lessonID string) error {
	ok, err := tx.UserActive(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return shared.ErrUserInactive
	}
	if lessonID == "" {
		return nil
	}
	ok, err = tx.LessonActive(ctx, lessonID)
	if err != nil {
		return err
	}
	if !ok {
		return shared.ErrLessonInactive
	}
	return nil
}

// committed runs the post-commit steps: cache invalidation, metrics, logging
// and event publishing.
func (i *ingestor) committed(ctx context.Context, kind, userID string, res *IngestResult, events []progress.Event) {
	if err := i.deps.Cache.InvalidateUser(ctx, userID); err != nil {
		i.log.Warn("cache invalidation failed, entry expires by ttl",
			logger.UserID(userID), logger.Err(err))
	}
	for _, a := range res.NewAchievements {
		i.deps.Metrics.AchievementUnlocked(a.ID)
		i.log.Info("achievement unlocked", logger.UserID(userID), logger.AchievementID(a.ID))
	}
	i.log.Debug("event ingested",
		logger.String("kind", kind),
		logger.UserID(userID),
		logger.Int("completed_lessons", res.Aggregate.CompletedLessons),
		logger.Int("current_streak", res.Aggregate.CurrentStreak))

	if i.deps.Publisher != nil && len(events) > 0 {
		if err := i.deps.Publisher.Publish(ctx, events...); err != nil {
			i.log.Warn("event publish failed", logger.UserID(userID), logger.Int("events", len(events)), logger.Err(err))
		}
	}
}

func (i *ingestor) observe(kind string, start time.Time, err error) {
	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
	case shared.IsInvalidEvent(err):
		outcome = metrics.OutcomeInvalid
	case shared.IsConcurrencyConflict(err):
		outcome = metrics.OutcomeConflict
	default:
		outcome = metrics.OutcomeError
	}
	i.deps.Metrics.ObserveIngest(kind, outcome, i.deps.Now().Sub(start))
}
