package coordinator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchItem is one request in a batch.
type BatchItem struct {
	Signature string
	Op        Operation
}

// BatchResult pairs an item with its outcome. Exactly one of Payload or Err
// is meaningful.
type BatchResult struct {
	Signature string
	Payload   []byte
	Err       error
}

// BatchOptions controls batch execution.
type BatchOptions struct {
	// MaxConcurrent is the group size; each group is fully awaited before
	// the next starts. Defaults to the coordinator's MaxConcurrent.
	MaxConcurrent int

	// DelayBetweenBatches separates successive groups.
	DelayBetweenBatches time.Duration

	// FailFast stops after the first group containing an error.
	FailFast bool
}

// Batch partitions items into groups of at most MaxConcurrent and executes
// each group concurrently through Do, awaiting the whole group before moving
// on. Per-item outcomes are always collected; with FailFast the remaining
// groups are skipped once any error is seen.
func (c *Coordinator) Batch(ctx context.Context, items []BatchItem, opts BatchOptions) ([]BatchResult, error) {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = c.cfg.MaxConcurrent
	}

	results := make([]BatchResult, len(items))

	for start := 0; start < len(items); start += opts.MaxConcurrent {
		end := start + opts.MaxConcurrent
		if end > len(items) {
			end = len(items)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				payload, err := c.Do(gctx, items[i].Signature, items[i].Op)
				results[i] = BatchResult{Signature: items[i].Signature, Payload: payload, Err: err}
				return nil // collect per-item errors instead of aborting the group
			})
		}
		g.Wait() //nolint:errcheck // goroutines always return nil

		if opts.FailFast {
			for i := start; i < end; i++ {
				if results[i].Err != nil {
					return results[:end], results[i].Err
				}
			}
		}

		if end < len(items) && opts.DelayBetweenBatches > 0 {
			timer := time.NewTimer(opts.DelayBetweenBatches)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return results[:end], ctx.Err()
			}
		}
	}

	return results, nil
}
