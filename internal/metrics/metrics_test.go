package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/amv42/honeysh/internal/event"
)

func TestSink_CountsEvents(t *testing.T) {
	before := testutil.ToFloat64(loginAttemptsTotal.WithLabelValues("failed"))
	beforeEvents := testutil.ToFloat64(eventsTotal.WithLabelValues("login.failed"))

	var s Sink
	s.Emit(event.New(event.LoginFailed, "s", "", nil))
	s.Emit(event.New(event.LoginFailed, "s", "", nil))

	assert.InDelta(t, before+2, testutil.ToFloat64(loginAttemptsTotal.WithLabelValues("failed")), 0)
	assert.InDelta(t, beforeEvents+2, testutil.ToFloat64(eventsTotal.WithLabelValues("login.failed")), 0)
}

func TestSink_ArtifactBytes(t *testing.T) {
	before := testutil.ToFloat64(artifactBytes)

	var s Sink
	s.Emit(event.New(event.FileDownload, "s", "", map[string]any{"size": int64(1024)}))

	assert.InDelta(t, before+1024, testutil.ToFloat64(artifactBytes), 0)
}

func TestSink_ConnectionGauge(t *testing.T) {
	before := testutil.ToFloat64(connectionsActive)

	var s Sink
	s.Emit(event.New(event.SessionConnect, "s", "", nil))
	assert.InDelta(t, before+1, testutil.ToFloat64(connectionsActive), 0)
	s.Emit(event.New(event.SessionClosed, "s", "", map[string]any{"duration": 1.5}))
	assert.InDelta(t, before, testutil.ToFloat64(connectionsActive), 0)
}

func TestHandler(t *testing.T) {
	SetServersActive(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "honeysh_servers_active 3"))
}
