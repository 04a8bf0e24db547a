package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// runServers executes the Remote subtrees. With MaxParallel below 2 the
// servers run one after another in declaration order; otherwise a bounded
// worker pool takes them in declaration order. Each subtree is always
// sequential within itself.
//
// Cancellation is checked before each server starts. Servers that never
// start keep their pending status and get no load balancer calls.
func (e *Engine) runServers(ctx context.Context, run *RunResult, nodes []*Node, logger zerolog.Logger) {
	workerCount := run.Settings.MaxParallel
	if workerCount > len(nodes) {
		workerCount = len(nodes)
	}

	if workerCount <= 1 {
		for i, node := range nodes {
			if ctx.Err() != nil {
				logger.Warn().Int("servers_not_started", len(nodes)-i).Msg("Cancellation requested, not starting remaining servers")
				return
			}
			e.executeServer(ctx, run, node, run.Servers[i], logger)
		}
		return
	}

	workQueue := make(chan int, len(nodes))
	for i := range nodes {
		workQueue <- i
	}
	close(workQueue)

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := range workQueue {
				select {
				case <-ctx.Done():
					return
				default:
				}
				e.executeServer(ctx, run, nodes[i], run.Servers[i], logger)
			}
		}()
	}

	wg.Wait()

	if ctx.Err() != nil {
		notStarted := 0
		for _, sr := range run.Servers {
			if sr.Root.Status == StatusPending {
				notStarted++
			}
		}
		logger.Warn().Int("servers_not_started", notStarted).Msg("Cancellation requested, remaining servers not started")
	}
}
