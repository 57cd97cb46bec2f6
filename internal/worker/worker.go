package worker

import (
	"context"
	"sync"

	"github.com/1benisin/brickops-sub002/pkg/logger"
)

// runner is any background loop that runs until its context is cancelled.
type runner interface {
	Run(ctx context.Context)
}

// Group supervises the background loops and stops them together.
type Group struct {
	log     *logger.Logger
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	loops   []runner
	started bool
	mu      sync.Mutex
}

// NewGroup builds a supervisor over the given loops.
func NewGroup(log *logger.Logger, loops ...runner) *Group {
	return &Group{log: log, loops: loops}
}

// Start launches every loop. Calling Start twice is a no-op.
func (g *Group) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.started = true

	ctx, g.cancel = context.WithCancel(ctx)
	for _, loop := range g.loops {
		g.wg.Add(1)
		go func(r runner) {
			defer g.wg.Done()
			r.Run(ctx)
		}(loop)
	}
	g.log.Info("background workers started", "count", len(g.loops))
}

// Stop cancels the loops and waits for them to drain.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return
	}
	g.cancel()
	g.wg.Wait()
	g.started = false
	g.log.Info("background workers stopped")
}
