package command

import (
	"context"
	"time"

	"github.com/tradeacademy/progress-engine/internal/domain/progress"
	"github.com/tradeacademy/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// INGEST COMPLETION COMMAND
// Records that a user finished a lesson slide.
// ══════════════════════════════════════════════════════════════════════════════

// IngestCompletionCommand contains a slide completion reported by the lesson API.
type IngestCompletionCommand struct {
	UserID   string
	LessonID string
	SlideID  string

	// CompletedAt defaults to now when zero.
	CompletedAt      time.Time
	TimeSpentSeconds int
}

// IngestCompletionHandler handles IngestCompletionCommand.
type IngestCompletionHandler struct {
	ingestor
}

// NewIngestCompletionHandler creates a new IngestCompletionHandler.
func NewIngestCompletionHandler(deps Dependencies) *IngestCompletionHandler {
	return &IngestCompletionHandler{ingestor: newIngestor(deps, "ingest_completion")}
}

// Handle validates and records the completion, updates the aggregate and
// evaluates achievements in one transaction.
func (h *IngestCompletionHandler) Handle(ctx context.Context, cmd IngestCompletionCommand) (res *IngestResult, err error) {
	start := h.deps.Now()
	defer func() { h.observe(KindCompletion, start, err) }()

	event, err := progress.NewCompletionEvent(progress.NewCompletionEventParams{
		ID:               h.deps.NewID(),
		UserID:           cmd.UserID,
		LessonID:         cmd.LessonID,
		SlideID:          cmd.SlideID,
		CompletedAt:      cmd.CompletedAt,
		TimeSpentSeconds: cmd.TimeSpentSeconds,
	}, start)
	if err != nil {
		return nil, err
	}

	err = h.run(ctx, cmd.UserID, func(ctx context.Context, tx progress.Tx) error {
		if err := checkActive(ctx, tx, cmd.UserID, cmd.LessonID); err != nil {
			return err
		}
		agg, err := h.deps.Updater.ApplyCompletion(ctx, tx, event)
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
		h.log.Debug("completion rejected", logger.UserID(cmd.UserID), logger.LessonID(cmd.LessonID), logger.Err(err))
		return nil, err
	}

	h.committed(ctx, KindCompletion, cmd.UserID, res,
		progress.CompletionEvents(event, res.Aggregate, res.NewAchievements, h.deps.Now()))
	return res, nil
}
