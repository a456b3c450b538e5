package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsManager_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), SettingsFileName)
	m, err := NewSettingsManager(path)
	require.NoError(t, err)
	require.NoError(t, m.Set(DefaultSettings()))

	var (
		mu      sync.Mutex
		changes []Settings
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx, func(s Settings) {
			mu.Lock()
			changes = append(changes, s)
			mu.Unlock()
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register.
	time.Sleep(200 * time.Millisecond)

	// A write through the manager reloads to the same value and is not reported.
	require.NoError(t, m.Set(DefaultSettings()))

	external := `{"probe_interval_minutes": 15, "probe_url": "http://clients3.google.com/generate_204", "auto_login_enabled": true}`
	require.NoError(t, os.WriteFile(path, []byte(external), 0600))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 1
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	got := changes[0]
	mu.Unlock()
	assert.Equal(t, 15, got.ProbeIntervalMinutes)
	assert.True(t, got.AutoLoginEnabled)
	assert.Equal(t, got, m.Get())

	// Invalid edits are ignored.
	require.NoError(t, os.WriteFile(path, []byte(`{"probe_interval_minutes": 3}`), 0600))
	time.Sleep(600 * time.Millisecond)
	mu.Lock()
	assert.Len(t, changes, 1)
	mu.Unlock()
	assert.Equal(t, 15, m.Get().ProbeIntervalMinutes)
}

func TestSettingsManager_WatchStopsOnCancel(t *testing.T) {
	m, err := NewSettingsManager(filepath.Join(t.TempDir(), SettingsFileName))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Watch(ctx, nil) }()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
