package scheduler

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// BoundedPool runs tasks on at most size goroutines. The slots are shared by
// every Run call, so concurrent passes draw from one budget.
type BoundedPool struct {
	slots chan struct{}
}

func NewBoundedPool(size int) *BoundedPool {
	if size <= 0 {
		size = 1
	}
	return &BoundedPool{slots: make(chan struct{}, size)}
}

// Size is the total number of concurrent tasks across all callers.
func (p *BoundedPool) Size() int { return cap(p.slots) }

// Run blocks until every started task returns. Tasks not yet started when ctx
// ends are dropped. Run never cancels siblings: tasks report their own
// failures.
func (p *BoundedPool) Run(ctx context.Context, tasks []func(context.Context)) {
	var g errgroup.Group
	defer func() { _ = g.Wait() }()

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		if ctx.Err() != nil {
			<-p.slots
			return
		}
		g.Go(func() error {
			defer func() { <-p.slots }()
			task(ctx)
			return nil
		})
	}
}
