package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Maintenance runs stale-session cleanup on a recurring timer. It is a
// detached background task with its own start/stop lifecycle: it never blocks
// process shutdown, and nothing durable depends on it running promptly; a
// tick skipped because the process exited is harmless.
type Maintenance struct {
	store    *Store
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMaintenance creates a maintenance task for the store. Interval defaults
// to one hour when non-positive.
func NewMaintenance(store *Store, interval time.Duration, logger *zap.Logger) *Maintenance {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintenance{
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the cleanup loop. Starting an already-running task is a
// no-op.
func (m *Maintenance) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(ctx, m.done)
	m.logger.Info("session maintenance started",
		zap.Duration("interval", m.interval))
}

// Stop halts the loop and waits for the in-flight tick, if any, to finish.
// Stopping a task that never started is a no-op.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Maintenance) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.store.CleanupStaleSessions()
			if err != nil {
				m.logger.Warn("stale session cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				m.logger.Info("stale session cleanup tick",
					zap.Int("removed", removed))
			}
		}
	}
}
