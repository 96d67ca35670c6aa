package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.Event("persona", "Completed")
	m.Event("persona", "Completed")
	m.Dropped(DropMissingProject)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LifecycleEvents.WithLabelValues("persona", "Completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(DropMissingProject)))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "briefline_lifecycle_events_total")
}

func TestNilRegistryIsNoop(t *testing.T) {
	var m *Registry
	assert.NotPanics(t, func() {
		m.Event("persona", "Started")
		m.Notification("error")
		m.Dropped(DropMalformed)
	})
}
