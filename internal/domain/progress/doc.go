// Package progress contains the domain model of the progress engine.
//
// The package defines:
//
//   - Facts: CompletionEvent and QuizAttempt, immutable once recorded
//   - Derived state: Aggregate, one mutable row per user
//   - Streak calculation over distinct calendar dates
//   - The achievement catalog, criteria kinds and the Evaluator
//   - Storage and cache contracts implemented in infrastructure
//
// # Update path
//
// Every ingested fact runs inside a single user-scoped transaction:
//
//	err := store.WithinUserTx(ctx, userID, func(ctx context.Context, tx progress.Tx) error {
//	    agg, err := updater.ApplyCompletion(ctx, tx, event)
//	    if err != nil {
//	        return err
//	    }
//	    unlocked, err = evaluator.Evaluate(ctx, tx, agg)
//	    return err
//	})
//
// The transaction holds the user's aggregate row lock for its whole duration,
// so two ingestions for one user never interleave while ingestions for different
// users never contend.
//
// # Dependencies
//
// Only the standard library and pkg/timeutil.
package progress
