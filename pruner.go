package pecorino

import (
	"context"
	"log/slog"
	"time"

	"github.com/cheddarme/pecorino/storage"
)

// Pruner periodically deletes expired bucket and block rows across one or
// more adapters, grounded on backends/memory.go's ticker-plus-stop-channel
// cleanup routine, generalized from a single in-process backend to any
// number of storage.Adapters (so one Pruner can sweep Postgres, SQLite and
// memory adapters side by side).
type Pruner struct {
	adapters []storage.Adapter
	interval time.Duration
	log      *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewPruner returns a Pruner that sweeps adapters every interval. logger
// may be nil, in which case slog.Default() is used.
func NewPruner(interval time.Duration, logger *slog.Logger, adapters ...storage.Adapter) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		adapters: adapters,
		interval: interval,
		log:      logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RunOnce prunes every adapter a single time. An error from one adapter is
// logged and does not stop the sweep of the remaining adapters; the first
// error encountered, if any, is returned to the caller.
func (p *Pruner) RunOnce(ctx context.Context) error {
	var firstErr error
	for i, adapter := range p.adapters {
		if err := adapter.Prune(ctx); err != nil {
			p.log.Warn("pecorino: prune failed", "adapter_index", i, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run sweeps every adapter on a ticker until ctx is cancelled or Stop is
// called. It is meant to be run in its own goroutine.
func (p *Pruner) Run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				p.log.Warn("pecorino: prune sweep finished with errors", "error", err)
			}
		}
	}
}

// Stop signals Run to exit and waits for it to return. Safe to call at
// most once.
func (p *Pruner) Stop() {
	close(p.stop)
	<-p.done
}
