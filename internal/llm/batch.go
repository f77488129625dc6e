package llm

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
)

// Completion is one slot of a batch: the completion text or the reason the
// slot has none.
type Completion struct {
	Text string
	Err  error
}

func (c Completion) OK() bool {
	return c.Err == nil
}

// CompleteBatch issues every request concurrently on a pool sized to the
// batch and waits at most timeout for all of them. The result always has
// len(reqs) slots in request order. Slots still outstanding when the timeout
// elapses report ErrBatchTimeout; their calls are cancelled through the
// batch context and any late result is discarded.
func CompleteBatch(ctx context.Context, model Model, reqs []Request, timeout time.Duration) []Completion {
	results := make([]Completion, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu     sync.Mutex
		done   = make([]bool, len(reqs))
		closed bool
	)
	pool := pond.NewPool(len(reqs))
	group := pool.NewGroupContext(batchCtx)
	for i, req := range reqs {
		group.Submit(func() {
			text, err := model.Complete(batchCtx, req)
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return
			}
			results[i] = Completion{Text: text, Err: err}
			done[i] = true
		})
	}

	finished := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(finished)
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-finished:
	case <-timer:
	case <-ctx.Done():
	}

	mu.Lock()
	closed = true
	for i := range results {
		if done[i] {
			continue
		}
		if ctx.Err() != nil {
			results[i] = Completion{Err: ctx.Err()}
		} else {
			results[i] = Completion{Err: ErrBatchTimeout}
		}
	}
	out := append([]Completion(nil), results...)
	mu.Unlock()

	cancel()
	pool.Stop()
	return out
}
