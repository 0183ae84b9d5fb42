package database

import (
	"context"
	"fmt"
)

// maxTaskTries bounds how often a failing precompute task is retried before
// it parks in ERROR for an operator to look at.
const maxTaskTries = 3

// EnqueuePrecomputeTasks queues one task per bar open time. Already queued
// bars are left untouched.
func (db *DB) EnqueuePrecomputeTasks(ctx context.Context, symbol string, intervalMinutes int, openTimesMS []int64, traceID string) error {
	for _, ot := range openTimesMS {
		_, err := db.Pool.Exec(ctx,
			`INSERT INTO precompute_tasks (symbol, interval_minutes, open_time_ms, trace_id)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT ON CONSTRAINT uq_precompute_tasks DO NOTHING`,
			symbol, intervalMinutes, ot, traceID)
		if err != nil {
			return fmt.Errorf("enqueue task %s@%d: %w", symbol, ot, err)
		}
	}
	return nil
}

// PendingTasks returns up to limit PENDING tasks for a series, oldest first.
func (db *DB) PendingTasks(ctx context.Context, symbol string, intervalMinutes, limit int) ([]PrecomputeTask, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, symbol, interval_minutes, open_time_ms, status, try_count, error_text, trace_id
		 FROM precompute_tasks
		 WHERE symbol = $1 AND interval_minutes = $2 AND status = $3
		 ORDER BY open_time_ms
		 LIMIT $4`,
		symbol, intervalMinutes, TaskPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PrecomputeTask
	for rows.Next() {
		var t PrecomputeTask
		if err := rows.Scan(&t.ID, &t.Symbol, &t.IntervalMinutes, &t.OpenTimeMS, &t.Status, &t.TryCount, &t.ErrorText, &t.TraceID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkTasksDone flips every PENDING task up to and including upToMS to DONE.
func (db *DB) MarkTasksDone(ctx context.Context, symbol string, intervalMinutes int, upToMS int64) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE precompute_tasks
		 SET status = $1, error_text = NULL, updated_at = now()
		 WHERE symbol = $2 AND interval_minutes = $3
		   AND status = $4 AND open_time_ms <= $5`,
		TaskDone, symbol, intervalMinutes, TaskPending, upToMS)
	return err
}

// NextTaskStatus returns the queue state after the given number of failed
// tries: PENDING while retries remain, ERROR once the budget is spent.
func NextTaskStatus(tries int) string {
	if tries >= maxTaskTries {
		return TaskError
	}
	return TaskPending
}

// MarkTaskError records a failure on one task and bumps its try count. The
// task stays PENDING so the next drain retries it, until the budget is spent
// and it parks in ERROR. The message is truncated so a venue stack trace
// cannot blow up the row.
func (db *DB) MarkTaskError(ctx context.Context, id int64, tryCount int, msg string) error {
	if len(msg) > 500 {
		msg = msg[:500]
	}
	_, err := db.Pool.Exec(ctx,
		`UPDATE precompute_tasks
		 SET try_count = try_count + 1, status = $1, error_text = $2, updated_at = now()
		 WHERE id = $3`,
		NextTaskStatus(tryCount+1), msg, id)
	return err
}
