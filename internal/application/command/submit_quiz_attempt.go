package command

import (
	"context"
	"time"

	"github.com/tradeacademy/progress-engine/internal/domain/progress"
	"github.com/tradeacademy/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SUBMIT QUIZ ATTEMPT COMMAND
// Records a quiz submission and folds it into the running quiz average.
// ══════════════════════════════════════════════════════════════════════════════

// SubmitQuizAttemptCommand contains a quiz submission.
type SubmitQuizAttemptCommand struct {
	UserID   string
	LessonID string
	Score    int
	MaxScore int

	// AttemptNumber must be one more than the latest stored attempt for the
	// lesson. Zero lets the engine assign it.
	AttemptNumber int

	// SubmittedAt defaults to now when zero.
	SubmittedAt time.Time
}

// SubmitQuizAttemptResult extends IngestResult with the stored attempt.
type SubmitQuizAttemptResult struct {
	IngestResult
	Attempt *progress.QuizAttempt `json:"attempt"`
}

// SubmitQuizAttemptConfig configures quiz grading.
type SubmitQuizAttemptConfig struct {
	PassingPercentage float64
}

// DefaultSubmitQuizAttemptConfig returns default configuration.
func DefaultSubmitQuizAttemptConfig() SubmitQuizAttemptConfig {
	return SubmitQuizAttemptConfig{PassingPercentage: progress.DefaultPassingPercentage}
}

// SubmitQuizAttemptHandler handles SubmitQuizAttemptCommand.
type SubmitQuizAttemptHandler struct {
	ingestor
	config SubmitQuizAttemptConfig
}

// NewSubmitQuizAttemptHandler creates a new SubmitQuizAttemptHandler.
func NewSubmitQuizAttemptHandler(deps Dependencies, config SubmitQuizAttemptConfig) *SubmitQuizAttemptHandler {
	if config.PassingPercentage <= 0 {
		config = DefaultSubmitQuizAttemptConfig()
	}
	return &SubmitQuizAttemptHandler{
		ingestor: newIngestor(deps, "submit_quiz_attempt"),
		config:   config,
	}
}

// Handle validates the attempt, checks its number against the latest stored
// attempt under the user's row lock, and records it.
func (h *SubmitQuizAttemptHandler) Handle(ctx context.Context, cmd SubmitQuizAttemptCommand) (res *SubmitQuizAttemptResult, err error) {
	start := h.deps.Now()
	defer func() { h.observe(KindQuiz, start, err) }()

	candidate, err := progress.NewQuizAttempt(progress.NewQuizAttemptParams{
		ID:                h.deps.NewID(),
		UserID:            cmd.UserID,
		LessonID:          cmd.LessonID,
		Score:             cmd.Score,
		MaxScore:          cmd.MaxScore,
		AttemptNumber:     cmd.AttemptNumber,
		PassingPercentage: h.config.PassingPercentage,
		CreatedAt:         cmd.SubmittedAt,
	}, start)
	if err != nil {
		return nil, err
	}

	err = h.run(ctx, cmd.UserID, func(ctx context.Context, tx progress.Tx) error {
		// Each try sequences a fresh copy; a retried auto-numbered attempt must
		// be numbered again against the state it now sees.
		attempt := *candidate

		if err := checkActive(ctx, tx, cmd.UserID, cmd.LessonID); err != nil {
			return err
		}
		if _, err := tx.LockAggregate(ctx, cmd.UserID); err != nil {
			return err
		}
		previous, err := tx.LatestQuizAttempt(ctx, cmd.UserID, cmd.LessonID)
		if err != nil {
			return err
		}
		if err := attempt.Sequence(previous); err != nil {
			return err
		}

		agg, err := h.deps.Updater.ApplyQuizAttempt(ctx, tx, &attempt, previous)
		if err != nil {
			return err
		}
		unlocked, err := h.deps.Evaluator.Evaluate(ctx, tx, agg)
		if err != nil {
			return err
		}
		res = &SubmitQuizAttemptResult{
			IngestResult: IngestResult{Aggregate: agg, NewAchievements: unlocked},
			Attempt:      &attempt,
		}
		return nil
	})
	if err != nil {
		h.log.Debug("quiz attempt rejected", logger.UserID(cmd.UserID), logger.LessonID(cmd.LessonID), logger.Err(err))
		return nil, err
	}

	h.committed(ctx, KindQuiz, cmd.UserID, &res.IngestResult,
		progress.QuizEvents(res.Attempt, res.Aggregate, res.NewAchievements, h.deps.Now()))
	return res, nil
}
