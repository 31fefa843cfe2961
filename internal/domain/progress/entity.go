package progress

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tradeacademy/progress-engine/internal/domain/shared"
	"github.com/tradeacademy/progress-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// FACTS
// ══════════════════════════════════════════════════════════════════════════════

// MaxClockSkew is how far in the future a client timestamp may be before the
// event is rejected.
const MaxClockSkew = 5 * time.Minute

// DefaultPassingPercentage is the quiz pass mark when none is configured.
const DefaultPassingPercentage = 70.0

// CompletionEvent records that a user finished one lesson slide.
type CompletionEvent struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	LessonID         string    `json:"lesson_id"`
	SlideID          string    `json:"slide_id"`
	CompletedAt      time.Time `json:"completed_at"`
	TimeSpentSeconds int       `json:"time_spent_seconds"`
}

// NewCompletionEventParams holds the candidate fields of a completion.
type NewCompletionEventParams struct {
	ID               string
	UserID           string
	LessonID         string
	SlideID          string
	CompletedAt      time.Time
	TimeSpentSeconds int
}

// NewCompletionEvent validates the shape of a completion. Existence checks for
// the user and lesson happen later, inside the transaction.
func NewCompletionEvent(p NewCompletionEventParams, now time.Time) (*CompletionEvent, error) {
	const op = "NewCompletionEvent"

	if err := requireIDs(op, p.ID, p.UserID, p.LessonID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.SlideID) == "" {
		return nil, shared.InvalidEvent(op, shared.ErrEmptyValue, "slide_id is required")
	}
	if p.TimeSpentSeconds < 0 {
		return nil, shared.InvalidEvent(op, shared.ErrNegativeValue, "time_spent_seconds must be >= 0")
	}

	completedAt := p.CompletedAt
	if completedAt.IsZero() {
		completedAt = now
	}
	if completedAt.After(now.Add(MaxClockSkew)) {
		return nil, shared.InvalidEvent(op, shared.ErrFutureTimestamp, "completed_at is in the future")
	}

	return &CompletionEvent{
		ID:               p.ID,
		UserID:           p.UserID,
		LessonID:         p.LessonID,
		SlideID:          p.SlideID,
		CompletedAt:      completedAt.UTC(),
		TimeSpentSeconds: p.TimeSpentSeconds,
	}, nil
}

// QuizAttempt records one submission of a lesson quiz.
type QuizAttempt struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	LessonID      string    `json:"lesson_id"`
	Score         int       `json:"score"`
	MaxScore      int       `json:"max_score"`
	Percentage    float64   `json:"percentage"`
	Passed        bool      `json:"passed"`
	AttemptNumber int       `json:"attempt_number"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewQuizAttemptParams holds the candidate fields of a quiz submission.
// AttemptNumber 0 means "assign the next number".
type NewQuizAttemptParams struct {
	ID                string
	UserID            string
	LessonID          string
	Score             int
	MaxScore          int
	AttemptNumber     int
	PassingPercentage float64
	CreatedAt         time.Time
}

// NewQuizAttempt validates the shape of a quiz submission and derives the
// percentage and pass flag. The attempt sequence is checked by Sequence.
func NewQuizAttempt(p NewQuizAttemptParams, now time.Time) (*QuizAttempt, error) {
	const op = "NewQuizAttempt"

	if err := requireIDs(op, p.ID, p.UserID, p.LessonID); err != nil {
		return nil, err
	}
	if p.MaxScore <= 0 {
		return nil, shared.InvalidEvent(op, shared.ErrValueOutOfRange, "max_score must be > 0")
	}
	if p.Score < 0 || p.Score > p.MaxScore {
		return nil, shared.InvalidEvent(op, shared.ErrValueOutOfRange,
			fmt.Sprintf("score must be between 0 and %d", p.MaxScore))
	}
	if p.AttemptNumber < 0 {
		return nil, shared.InvalidEvent(op, shared.ErrNegativeValue, "attempt_number must be >= 1")
	}

	passing := p.PassingPercentage
	if passing <= 0 {
		passing = DefaultPassingPercentage
	}

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if createdAt.After(now.Add(MaxClockSkew)) {
		return nil, shared.InvalidEvent(op, shared.ErrFutureTimestamp, "created_at is in the future")
	}

	pct := Percentage(p.Score, p.MaxScore)
	return &QuizAttempt{
		ID:            p.ID,
		UserID:        p.UserID,
		LessonID:      p.LessonID,
		Score:         p.Score,
		MaxScore:      p.MaxScore,
		Percentage:    pct,
		Passed:        pct >= passing,
		AttemptNumber: p.AttemptNumber,
		CreatedAt:     createdAt.UTC(),
	}, nil
}

// Sequence assigns or checks the attempt number against the latest stored
// attempt for the same user and lesson. latest is nil when none exists.
func (a *QuizAttempt) Sequence(latest *QuizAttempt) error {
	next := 1
	if latest != nil {
		next = latest.AttemptNumber + 1
	}
	if a.AttemptNumber == 0 {
		a.AttemptNumber = next
		return nil
	}
	if a.AttemptNumber != next {
		return shared.WrapError("ingest", "Sequence", shared.ErrInvalidEvent,
			fmt.Sprintf("attempt_number %d out of sequence, expected %d", a.AttemptNumber, next),
			shared.ErrAttemptOutOfSequence)
	}
	return nil
}

// Percentage returns score/maxScore as a percentage rounded to two decimals.
func Percentage(score, maxScore int) float64 {
	if maxScore <= 0 {
		return 0
	}
	return round2(float64(score) / float64(maxScore) * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func requireIDs(op, id, userID, lessonID string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return shared.InvalidEvent(op, shared.ErrInvalidID, "event id is required")
	case strings.TrimSpace(userID) == "":
		return shared.InvalidEvent(op, shared.ErrEmptyValue, "user_id is required")
	case strings.TrimSpace(lessonID) == "":
		return shared.InvalidEvent(op, shared.ErrEmptyValue, "lesson_id is required")
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// DERIVED STATE
// ══════════════════════════════════════════════════════════════════════════════

// Aggregate is the per-user progress summary derived from the fact log.
type Aggregate struct {
	UserID                string     `json:"user_id"`
	TotalLessons          int        `json:"total_lessons"`
	CompletedLessons      int        `json:"completed_lessons"`
	TotalTimeSpentSeconds int64      `json:"total_time_spent_seconds"`
	CurrentStreak         int        `json:"current_streak"`
	LongestStreak         int        `json:"longest_streak"`
	LastActivityDate      *time.Time `json:"last_activity_date,omitempty"`
	AverageQuizScore      float64    `json:"average_quiz_score"`
	TotalQuizAttempts     int        `json:"total_quiz_attempts"`

	// QuizzedLessons counts lessons with at least one attempt and
	// QuizScoreSum adds up the latest percentage of each. AverageQuizScore is
	// always derived from these two, never from its own rounded value.
	QuizzedLessons int       `json:"-"`
	QuizScoreSum   float64   `json:"-"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewAggregate returns the empty aggregate of a user with no history.
func NewAggregate(userID string) *Aggregate {
	return &Aggregate{UserID: userID}
}

// Clone returns a deep copy.
func (a *Aggregate) Clone() *Aggregate {
	c := *a
	if a.LastActivityDate != nil {
		d := *a.LastActivityDate
		c.LastActivityDate = &d
	}
	return &c
}

// Validate checks the aggregate invariants.
func (a *Aggregate) Validate() error {
	switch {
	case a.CurrentStreak > a.LongestStreak:
		return shared.WrapError("aggregate", "Validate", shared.ErrInvalidState,
			fmt.Sprintf("current streak %d exceeds longest %d", a.CurrentStreak, a.LongestStreak),
			shared.ErrAggregateInvariant)
	case a.CompletedLessons > a.TotalLessons:
		return shared.WrapError("aggregate", "Validate", shared.ErrInvalidState,
			fmt.Sprintf("completed lessons %d exceed total %d", a.CompletedLessons, a.TotalLessons),
			shared.ErrAggregateInvariant)
	case a.CompletedLessons < 0, a.TotalTimeSpentSeconds < 0, a.TotalQuizAttempts < 0:
		return shared.WrapError("aggregate", "Validate", shared.ErrInvalidState,
			"negative counter", shared.ErrAggregateInvariant)
	}
	return nil
}

// DisplayStreak returns the current streak as seen on date today. The stored
// value was computed at the last ingestion and is only still valid while the
// last activity is today or yesterday.
func (a *Aggregate) DisplayStreak(today time.Time) int {
	if a.LastActivityDate == nil {
		return 0
	}
	if timeutil.DaysBetween(*a.LastActivityDate, today) > 1 {
		return 0
	}
	return a.CurrentStreak
}

// CompletionRate returns completed/total lessons as a percentage.
func (a *Aggregate) CompletionRate() float64 {
	if a.TotalLessons == 0 {
		return 0
	}
	return round2(float64(a.CompletedLessons) / float64(a.TotalLessons) * 100)
}

// ══════════════════════════════════════════════════════════════════════════════
// ACHIEVEMENTS AND READ MODELS
// ══════════════════════════════════════════════════════════════════════════════

// Achievement is a static catalog entry.
type Achievement struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Criteria    CriteriaKind `json:"criteria_kind"`
	Threshold   float64      `json:"threshold"`
	Category    string       `json:"category"`
	Points      int          `json:"points"`
}

// UserAchievement is an immutable unlock record.
type UserAchievement struct {
	UserID        string    `json:"user_id"`
	AchievementID string    `json:"achievement_id"`
	EarnedAt      time.Time `json:"earned_at"`
}

// DayActivity summarises one calendar date of study.
type DayActivity struct {
	Date             time.Time `json:"date"`
	Completions      int       `json:"completions"`
	TimeSpentSeconds int64     `json:"time_spent_seconds"`
}
