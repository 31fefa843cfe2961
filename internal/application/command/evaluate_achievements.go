package command

import (
	"context"

	"github.com/tradeacademy/progress-engine/internal/domain/progress"
	"github.com/tradeacademy/progress-engine/internal/domain/shared"
)

// EvaluateAchievementsCommand re-runs achievement evaluation for a user, for
// example after the catalog gained new entries.
type EvaluateAchievementsCommand struct {
	UserID string
}

// EvaluateAchievementsHandler handles EvaluateAchievementsCommand. It is safe to
// call redundantly and concurrently: each achievement is granted at most once.
type EvaluateAchievementsHandler struct {
	ingestor
}

// NewEvaluateAchievementsHandler creates a new EvaluateAchievementsHandler.
func NewEvaluateAchievementsHandler(deps Dependencies) *EvaluateAchievementsHandler {
	return &EvaluateAchievementsHandler{ingestor: newIngestor(deps, "evaluate_achievements")}
}

// Handle evaluates the user's current aggregate and returns newly unlocked
// achievements.
func (h *EvaluateAchievementsHandler) Handle(ctx context.Context, cmd EvaluateAchievementsCommand) (res *IngestResult, err error) {
	start := h.deps.Now()
	defer func() { h.observe(KindEvaluate, start, err) }()

	if cmd.UserID == "" {
		return nil, shared.InvalidEvent("EvaluateAchievements", shared.ErrEmptyValue, "user_id is required")
	}

	err = h.run(ctx, cmd.UserID, func(ctx context.Context, tx progress.Tx) error {
		if err := checkActive(ctx, tx, cmd.UserID, ""); err != nil {
			return err
		}
		agg, err := h.deps.Updater.Lock(ctx, tx, cmd.UserID)
		if err != nil {
			return err
		}
		unlocked, err := h.deps.Evaluator.Evaluate(ctx, tx, agg)
		if err != nil {
			return err
		}
		res = &IngestResult{Aggregate: agg, NewAchievements: unlocked}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.committed(ctx, KindEvaluate, cmd.UserID, res,
		progress.UnlockEvents(cmd.UserID, res.NewAchievements, h.deps.Now()))
	return res, nil
}
