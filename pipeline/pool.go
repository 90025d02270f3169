package pipeline

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// forEach runs fn for every item on a bounded set of workers. The first error
// returned by fn stops the remaining work and is returned to the caller.
func forEach[T any](ctx context.Context, workers int, items []T, fn func(ctx context.Context, item T) error) error {
	if workers < 1 {
		workers = 1
	}
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	queue := make(chan T)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for item := range queue {
				if err := fn(ctx, item); err != nil {
					once.Do(func() {
						log.WithError(err).Errorf("Worker %d: stopping batch", id)
						firstErr = err
						cancel()
					})
				}
			}
		}(i)
	}

feed:
	for _, item := range items {
		select {
		case <-ctx.Done():
			break feed
		case queue <- item:
		}
	}
	close(queue)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return parent.Err()
}
