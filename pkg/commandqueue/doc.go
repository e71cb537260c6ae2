// Package commandqueue serializes prompts per agent.
//
// Invariants:
//   - Prompts in one lane start in submission order.
//   - At most one prompt per lane is executing at any time, including a
//     cancelled prompt whose call has not returned yet.
//   - The executing prompt is never part of Pending.
//   - Lanes are independent and run concurrently with each other.
//
// Usage:
//
//	q := commandqueue.New()
//	defer q.Close()
//	lane := q.NewLane(commandqueue.LaneConfig{
//		Name: "Neo",
//		Execute: func(ctx context.Context, task commandqueue.Task) (any, error) {
//			return provider.Run(ctx, task.Prompt)
//		},
//	})
//	task, err := lane.Enqueue(ctx, "summarize the chat", nil)
package commandqueue
