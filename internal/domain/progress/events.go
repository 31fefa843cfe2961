package progress

import (
	"context"
	"time"
)

// EventType names a progress event published after a successful write.
type EventType string

const (
	EventLessonCompleted     EventType = "progress.lesson_completed"
	EventQuizAttempted       EventType = "progress.quiz_attempted"
	EventAchievementUnlocked EventType = "progress.achievement_unlocked"
)

// Event is a committed progress change. Events are published only after the
// transaction that produced them commits, so consumers never observe a change
// that was rolled back.
type Event struct {
	Type       EventType      `json:"type"`
	UserID     string         `json:"user_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Publisher delivers events to interested parties. Delivery is best effort:
// a failed publish never undoes the write.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// CompletionEvents builds the events of an ingested completion.
func CompletionEvents(e *CompletionEvent, agg *Aggregate, unlocked []Achievement, at time.Time) []Event {
	events := []Event{{
		Type:       EventLessonCompleted,
		UserID:     e.UserID,
		OccurredAt: at,
		Payload: map[string]any{
			"lesson_id":          e.LessonID,
			"slide_id":           e.SlideID,
			"time_spent_seconds": e.TimeSpentSeconds,
			"completed_lessons":  agg.CompletedLessons,
			"current_streak":     agg.CurrentStreak,
		},
	}}
	return append(events, unlockEvents(e.UserID, unlocked, at)...)
}

// QuizEvents builds the events of a recorded quiz attempt.
func QuizEvents(a *QuizAttempt, agg *Aggregate, unlocked []Achievement, at time.Time) []Event {
	events := []Event{{
		Type:       EventQuizAttempted,
		UserID:     a.UserID,
		OccurredAt: at,
		Payload: map[string]any{
			"lesson_id":          a.LessonID,
			"attempt_number":     a.AttemptNumber,
			"percentage":         a.Percentage,
			"passed":             a.Passed,
			"average_quiz_score": agg.AverageQuizScore,
		},
	}}
	return append(events, unlockEvents(a.UserID, unlocked, at)...)
}

// UnlockEvents builds one event per newly unlocked achievement.
func UnlockEvents(userID string, unlocked []Achievement, at time.Time) []Event {
	return unlockEvents(userID, unlocked, at)
}

func unlockEvents(userID string, unlocked []Achievement, at time.Time) []Event {
	events := make([]Event, 0, len(unlocked))
	for _, a := range unlocked {
		events = append(events, Event{
			Type:       EventAchievementUnlocked,
			UserID:     userID,
			OccurredAt: at,
			Payload: map[string]any{
				"achievement_id": a.ID,
				"name":           a.Name,
				"category":       a.Category,
				"points":         a.Points,
			},
		})
	}
	return events
}
