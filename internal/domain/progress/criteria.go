package progress

import (
	"encoding/json"
	"fmt"

	"github.com/tradeacademy/progress-engine/internal/domain/shared"
)

// CriteriaKind selects the aggregate field an achievement threshold is
// measured against. The set is closed; Measure switches over every value.
type CriteriaKind int

const (
	CriteriaLessonsCompleted CriteriaKind = iota + 1
	CriteriaStreakDays
	CriteriaTimeSpent
	CriteriaQuizAverage
)

// AllCriteriaKinds lists every known kind.
var AllCriteriaKinds = []CriteriaKind{
	CriteriaLessonsCompleted,
	CriteriaStreakDays,
	CriteriaTimeSpent,
	CriteriaQuizAverage,
}

// String returns the storage name of the kind.
func (k CriteriaKind) String() string {
	switch k {
	case CriteriaLessonsCompleted:
		return "lessons_completed"
	case CriteriaStreakDays:
		return "streak_days"
	case CriteriaTimeSpent:
		return "time_spent"
	case CriteriaQuizAverage:
		return "quiz_average"
	default:
		return fmt.Sprintf("criteria(%d)", int(k))
	}
}

// ParseCriteriaKind maps a storage name back to its kind.
func ParseCriteriaKind(s string) (CriteriaKind, error) {
	for _, k := range AllCriteriaKinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, shared.WrapError("achievement", "ParseCriteria", shared.ErrInvalidInput,
		fmt.Sprintf("unknown criteria kind %q", s), shared.ErrUnknownCriteria)
}

// MarshalJSON encodes the kind by name.
func (k CriteriaKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind name.
func (k *CriteriaKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCriteriaKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Measure returns the aggregate value compared against thresholds of this
// kind. ok is false when the aggregate has no meaningful value yet, as for the
// quiz average of a user who never took a quiz.
func (k CriteriaKind) Measure(a *Aggregate) (value float64, ok bool, err error) {
	switch k {
	case CriteriaLessonsCompleted:
		return float64(a.CompletedLessons), true, nil
	case CriteriaStreakDays:
		return float64(a.LongestStreak), true, nil
	case CriteriaTimeSpent:
		return float64(a.TotalTimeSpentSeconds), true, nil
	case CriteriaQuizAverage:
		return a.AverageQuizScore, a.TotalQuizAttempts > 0, nil
	default:
		return 0, false, shared.WrapError("achievement", "Measure", shared.ErrInvalidInput,
			k.String(), shared.ErrUnknownCriteria)
	}
}
