package sdnotify

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdg-abesec/abeslink/internal/portal"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

func TestNotifier_Messages(t *testing.T) {
	rec := &recorder{}
	n := &Notifier{notify: rec.notify}

	n.Ready()
	n.Status("Connected")
	n.Stopping()

	assert.Equal(t, []string{"READY=1", "STATUS=Connected", "STOPPING=1"}, rec.get())
}

func TestNotifier_ErrorIsLogged(t *testing.T) {
	n := &Notifier{notify: func(string) (bool, error) { return false, errors.New("boom") }}
	// Should not panic
	n.Ready()
}

func TestNew_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	// Should not panic without systemd
	New().Ready()
}

func TestNew_WritesToNotifySocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", path)

	New().Status("Captive portal")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "STATUS=Captive portal", string(buf[:n]))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, "Stopped", StatusFor(portal.StatusConnected, false))
	assert.Equal(t, "Captive portal", StatusFor(portal.StatusCaptivePortal, true))
}

func TestRunWatchdog_Disabled(t *testing.T) {
	rec := &recorder{}
	n := &Notifier{
		notify:   rec.notify,
		watchdog: func() (time.Duration, error) { return 0, nil },
	}

	done := make(chan struct{})
	go func() {
		n.RunWatchdog(context.Background(), nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunWatchdog did not return")
	}
	assert.Empty(t, rec.get())
}

func TestRunWatchdog_Pings(t *testing.T) {
	rec := &recorder{}
	n := &Notifier{
		notify:   rec.notify,
		watchdog: func() (time.Duration, error) { return 40 * time.Millisecond, nil },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.RunWatchdog(ctx, func() bool { return true })
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(rec.get()) >= 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	for _, s := range rec.get() {
		assert.Equal(t, "WATCHDOG=1", s)
	}
}

func TestRunWatchdog_SkipsWhenUnhealthy(t *testing.T) {
	rec := &recorder{}
	n := &Notifier{
		notify:   rec.notify,
		watchdog: func() (time.Duration, error) { return 20 * time.Millisecond, nil },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	n.RunWatchdog(ctx, func() bool { return false })

	assert.Empty(t, rec.get())
}
