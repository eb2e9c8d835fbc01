package session

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaintenance_RemovesStaleSessionsOnTick(t *testing.T) {
	cfg := DefaultConfig("/state")
	cfg.StaleAfter = time.Hour
	store, err := NewStore(cfg, afero.NewMemMapFs(), nil)
	require.NoError(t, err)

	_, err = store.StartRun("old", "demo", 1, nil, nil)
	require.NoError(t, err)
	store.mu.Lock()
	store.sessions["old"].UpdatedAt = time.Now().Add(-2 * time.Hour)
	store.mu.Unlock()

	m := NewMaintenance(store, 10*time.Millisecond, nil)
	m.Start(context.Background())
	defer m.Stop()

	assert.Eventually(t, func() bool {
		return store.Count() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestMaintenance_StartStopLifecycle(t *testing.T) {
	store := newTestStore(t)
	m := NewMaintenance(store, 10*time.Millisecond, nil)

	// Stop before start is a no-op.
	m.Stop()

	m.Start(context.Background())
	// Double start is a no-op.
	m.Start(context.Background())
	m.Stop()
	// Double stop is a no-op.
	m.Stop()
}

func TestMaintenance_StopsOnContextCancel(t *testing.T) {
	store := newTestStore(t)
	m := NewMaintenance(store, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	cancel()

	// Stop still returns promptly after external cancellation.
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}
