// Package commandqueue runs engine work in per-session lanes.
//
// Invariants:
// - Tasks in the same lane start in FIFO order, at most Concurrency at a time.
// - Tasks in different lanes run independently.
// - Every submitted task delivers exactly one Result, including tasks
//   cancelled before they start.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Options{Concurrency: 4})
//	defer queue.Close()
//	results, err := queue.Submit(ctx, "session-a", "17", func(ctx context.Context) (any, error) {
//		return "ok", nil
//	})
package commandqueue
