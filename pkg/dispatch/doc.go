// Package dispatch serializes agent calls per session key.
//
// Invariants:
// - Calls for the same session key start in strict FIFO submit order.
// - At most one call per session key is in flight; different keys are
//   fully independent.
// - Cancellation bookkeeping (cooperative handle, run cancel, cancelled
//   flag) is cleared after every settlement, whatever the outcome.
//
// Usage:
//
//	d := dispatch.New()
//	defer d.Close()
//	result, err := d.Submit(ctx, "tg:42", "chat turn", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
package dispatch
