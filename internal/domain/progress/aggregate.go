package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/tradeacademy/progress-engine/pkg/timeutil"
)

// Updater applies ingested facts to the per-user aggregate. It must be called
// inside Store.WithinUserTx; it takes the aggregate row lock itself.
type Updater struct {
	loc *time.Location
	now func() time.Time
}

// NewUpdater creates an updater that buckets activity into calendar dates in loc.
func NewUpdater(loc *time.Location, now func() time.Time) *Updater {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Updater{loc: loc, now: now}
}

// Location returns the timezone used for calendar dates.
func (u *Updater) Location() *time.Location {
	return u.loc
}

// Today returns the current calendar date.
func (u *Updater) Today() time.Time {
	return timeutil.DateIn(u.now(), u.loc)
}

// ApplyCompletion appends the completion and folds it into the aggregate.
// Only the first completion of a lesson raises CompletedLessons; every
// completion adds its time.
func (u *Updater) ApplyCompletion(ctx context.Context, tx Tx, e *CompletionEvent) (*Aggregate, error) {
	agg, err := tx.LockAggregate(ctx, e.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock aggregate: %w", err)
	}

	seen, err := tx.HasCompletedLesson(ctx, e.UserID, e.LessonID)
	if err != nil {
		return nil, fmt.Errorf("failed to check lesson completion: %w", err)
	}
	if err := tx.AppendCompletion(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to append completion: %w", err)
	}

	next := agg.Clone()
	if !seen {
		next.CompletedLessons++
	}
	next.TotalTimeSpentSeconds += int64(e.TimeSpentSeconds)

	day := timeutil.DateIn(e.CompletedAt, u.loc)
	if next.LastActivityDate == nil || day.After(*next.LastActivityDate) {
		next.LastActivityDate = &day
	}

	dates, err := tx.CompletionDates(ctx, e.UserID, u.loc)
	if err != nil {
		return nil, fmt.Errorf("failed to load completion dates: %w", err)
	}
	streak := ComputeStreak(dates, u.Today(), agg.LongestStreak)
	next.CurrentStreak = streak.Current
	next.LongestStreak = streak.Longest

	if err := u.refreshTotals(ctx, tx, next); err != nil {
		return nil, err
	}
	return u.save(ctx, tx, next)
}

// ApplyQuizAttempt appends the attempt and folds it into the running quiz
// average. previous is the latest earlier attempt on the same lesson, or nil;
// its percentage is replaced by the new one rather than averaged with it.
func (u *Updater) ApplyQuizAttempt(ctx context.Context, tx Tx, a *QuizAttempt, previous *QuizAttempt) (*Aggregate, error) {
	agg, err := tx.LockAggregate(ctx, a.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock aggregate: %w", err)
	}
	if err := tx.AppendQuizAttempt(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to append quiz attempt: %w", err)
	}

	next := agg.Clone()
	delta := a.Percentage
	if previous == nil {
		next.QuizzedLessons++
	} else {
		delta -= previous.Percentage
	}
	// Percentages carry two decimals, so rounding the sum to two decimals
	// keeps it exact across any number of resubmissions.
	next.QuizScoreSum = round2(next.QuizScoreSum + delta)
	if next.QuizzedLessons > 0 {
		next.AverageQuizScore = round2(next.QuizScoreSum / float64(next.QuizzedLessons))
	}
	next.TotalQuizAttempts++

	if err := u.refreshTotals(ctx, tx, next); err != nil {
		return nil, err
	}
	return u.save(ctx, tx, next)
}

// Lock returns the locked aggregate without changing it, for standalone
// achievement evaluation.
func (u *Updater) Lock(ctx context.Context, tx Tx, userID string) (*Aggregate, error) {
	agg, err := tx.LockAggregate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock aggregate: %w", err)
	}
	return agg, nil
}

// refreshTotals keeps TotalLessons in line with the published catalog. It never
// drops below CompletedLessons, so unpublishing a lesson cannot break the
// completed <= total invariant.
func (u *Updater) refreshTotals(ctx context.Context, tx Tx, a *Aggregate) error {
	total, err := tx.CountActiveLessons(ctx)
	if err != nil {
		return fmt.Errorf("failed to count lessons: %w", err)
	}
	a.TotalLessons = max(total, a.CompletedLessons)
	return nil
}

func (u *Updater) save(ctx context.Context, tx Tx, a *Aggregate) (*Aggregate, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	a.Version++
	a.UpdatedAt = u.now().UTC()
	if err := tx.SaveAggregate(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to save aggregate: %w", err)
	}
	return a, nil
}
