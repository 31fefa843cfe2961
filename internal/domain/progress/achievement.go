package progress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Achievement categories.
const (
	CategoryLearning    = "learning"
	CategoryConsistency = "consistency"
	CategoryDedication  = "dedication"
	CategoryMastery     = "mastery"
)

// DefaultCatalog is the built-in achievement catalog. The Postgres migrations
// seed the same rows.
func DefaultCatalog() []Achievement {
	return []Achievement{
		{ID: "first_lesson", Name: "First Steps", Description: "Complete your first lesson",
			Criteria: CriteriaLessonsCompleted, Threshold: 1, Category: CategoryLearning, Points: 10},
		{ID: "lessons_5", Name: "Getting Started", Description: "Complete 5 lessons",
			Criteria: CriteriaLessonsCompleted, Threshold: 5, Category: CategoryLearning, Points: 25},
		{ID: "lessons_25", Name: "Market Student", Description: "Complete 25 lessons",
			Criteria: CriteriaLessonsCompleted, Threshold: 25, Category: CategoryLearning, Points: 100},
		{ID: "streak_3", Name: "On a Roll", Description: "Study 3 days in a row",
			Criteria: CriteriaStreakDays, Threshold: 3, Category: CategoryConsistency, Points: 15},
		{ID: "streak_7", Name: "Week Warrior", Description: "Study 7 days in a row",
			Criteria: CriteriaStreakDays, Threshold: 7, Category: CategoryConsistency, Points: 50},
		{ID: "streak_30", Name: "Disciplined Trader", Description: "Study 30 days in a row",
			Criteria: CriteriaStreakDays, Threshold: 30, Category: CategoryConsistency, Points: 200},
		{ID: "time_1h", Name: "Focused Hour", Description: "Spend one hour studying",
			Criteria: CriteriaTimeSpent, Threshold: 3600, Category: CategoryDedication, Points: 10},
		{ID: "time_10h", Name: "Deep Diver", Description: "Spend ten hours studying",
			Criteria: CriteriaTimeSpent, Threshold: 36000, Category: CategoryDedication, Points: 75},
		{ID: "quiz_80", Name: "Sharp Analyst", Description: "Reach an 80% quiz average",
			Criteria: CriteriaQuizAverage, Threshold: 80, Category: CategoryMastery, Points: 50},
		{ID: "quiz_95", Name: "Chart Master", Description: "Reach a 95% quiz average",
			Criteria: CriteriaQuizAverage, Threshold: 95, Category: CategoryMastery, Points: 150},
	}
}

// Catalog is the in-memory, read-only view of the achievement catalog.
type Catalog struct {
	mu    sync.RWMutex
	items []Achievement
	byID  map[string]Achievement
}

// NewCatalog builds a catalog, rejecting unknown criteria kinds and duplicate ids.
func NewCatalog(items []Achievement) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(items); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace swaps the catalog contents atomically.
func (c *Catalog) Replace(items []Achievement) error {
	byID := make(map[string]Achievement, len(items))
	sorted := make([]Achievement, 0, len(items))
	for _, a := range items {
		if _, _, err := a.Criteria.Measure(&Aggregate{}); err != nil {
			return fmt.Errorf("achievement %s: %w", a.ID, err)
		}
		if _, dup := byID[a.ID]; dup {
			return fmt.Errorf("duplicate achievement id %s", a.ID)
		}
		byID[a.ID] = a
		sorted = append(sorted, a)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Criteria != sorted[j].Criteria {
			return sorted[i].Criteria < sorted[j].Criteria
		}
		return sorted[i].Threshold < sorted[j].Threshold
	})

	c.mu.Lock()
	c.items = sorted
	c.byID = byID
	c.mu.Unlock()
	return nil
}

// All returns a copy of the catalog ordered by criteria kind and threshold.
func (c *Catalog) All() []Achievement {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Achievement, len(c.items))
	copy(out, c.items)
	return out
}

// Get looks up an achievement by id.
func (c *Catalog) Get(id string) (Achievement, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.byID[id]
	return a, ok
}

// Progress returns how far the aggregate is towards the achievement, 0 to 100.
func Progress(a Achievement, agg *Aggregate) float64 {
	value, ok, err := a.Criteria.Measure(agg)
	if err != nil || !ok {
		return 0
	}
	if a.Threshold <= 0 || value >= a.Threshold {
		return 100
	}
	return round2(value / a.Threshold * 100)
}

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATOR
// ══════════════════════════════════════════════════════════════════════════════

// Evaluator decides which achievements an aggregate newly satisfies.
type Evaluator struct {
	catalog *Catalog
	now     func() time.Time
}

// NewEvaluator creates an evaluator over the catalog.
func NewEvaluator(catalog *Catalog, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{catalog: catalog, now: now}
}

// Evaluate grants every catalog achievement the aggregate satisfies and the
// user does not hold yet. It returns only the achievements this call inserted;
// an unlock lost to a concurrent evaluation is skipped silently.
func (e *Evaluator) Evaluate(ctx context.Context, store AchievementStore, agg *Aggregate) ([]Achievement, error) {
	held, err := store.UnlockedAchievements(ctx, agg.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load unlocked achievements: %w", err)
	}

	earnedAt := e.now().UTC()
	var unlocked []Achievement
	for _, a := range e.catalog.All() {
		if _, ok := held[a.ID]; ok {
			continue
		}

		value, ok, err := a.Criteria.Measure(agg)
		if err != nil {
			return nil, err
		}
		if !ok || value < a.Threshold {
			continue
		}

		inserted, err := store.GrantAchievement(ctx, UserAchievement{
			UserID:        agg.UserID,
			AchievementID: a.ID,
			EarnedAt:      earnedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to grant achievement %s: %w", a.ID, err)
		}
		if inserted {
			unlocked = append(unlocked, a)
		}
	}

	return unlocked, nil
}
