package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SetChannelState(2)
	m.IncReconnect()
	m.IncExhausted()
	m.IncEvent()
	m.IncAppended("local", 1)
	m.IncDuplicate()
	m.IncSendFailure()
	m.IncReveal()
	m.IncRevealCancelled()
	m.ObserveRequest(OpSend, time.Now(), nil)
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.IncReconnect()
	m.IncReconnect()
	m.IncAppended("channel", 3)
	m.IncAppended("channel", 0)
	m.SetChannelState(4)
	m.ObserveRequest(OpSend, time.Now(), errors.New("boom"))
	m.ObserveRequest(OpSend, time.Now(), nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReconnectAttempts))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.MessagesAppended.WithLabelValues("channel")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ChannelState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(OpSend, "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues(OpSend, "success")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.IncDuplicate()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "tutorchat_messages_duplicate_total 1"))
}
