package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdg-abesec/abeslink/internal/login"
	"github.com/gdg-abesec/abeslink/internal/portal"
	"github.com/gdg-abesec/abeslink/internal/probe"
)

func TestProbeCompleted(t *testing.T) {
	r := New()

	r.ProbeCompleted(portal.StatusConnected, probe.FailureNone, 40*time.Millisecond)
	r.ProbeCompleted(portal.StatusConnected, probe.FailureNone, 60*time.Millisecond)
	r.ProbeCompleted(portal.StatusDisconnected, probe.FailureTimeout, 5*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.probes.WithLabelValues("connected", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.probes.WithLabelValues("disconnected", "timeout")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.probeLatency))
}

func TestLoginCompleted(t *testing.T) {
	r := New()

	r.LoginCompleted(login.OutcomeSuccess, 1, time.Second)
	r.LoginCompleted(login.OutcomeNetworkError, 3, 4*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.logins.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.logins.WithLabelValues("network_error")))
}

func TestStatusChanged(t *testing.T) {
	r := New()

	r.StatusChanged(portal.StatusCaptivePortal)
	r.StatusChanged(portal.StatusConnected)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.status.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.status.WithLabelValues("captive_portal")))
	assert.Equal(t, len(portal.AllStatuses()), testutil.CollectAndCount(r.status))
}

func TestRequestRejected(t *testing.T) {
	r := New()

	r.RequestRejected("probe")
	r.RequestRejected("probe")
	r.RequestRejected("login")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.rejected.WithLabelValues("probe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rejected.WithLabelValues("login")))
}

func TestHandler(t *testing.T) {
	r := New()
	r.LoginCompleted(login.OutcomeSuccess, 1, time.Second)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `abeslink_logins_total{outcome="success"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
