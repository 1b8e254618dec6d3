package queue

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Pool runs a fixed number of workers against the shared queue.
type Pool struct {
	workers []*Worker
}

// NewPool creates a pool of n workers built by newWorker. n < 1 means one.
func NewPool(n int, newWorker func() *Worker) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{workers: make([]*Worker, n)}
	for i := range p.workers {
		p.workers[i] = newWorker()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Run starts every worker and blocks until ctx is cancelled and all
// workers have returned.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("job workers started", "count", len(p.workers))
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			w.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}
