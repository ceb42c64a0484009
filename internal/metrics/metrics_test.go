package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollectorIsSingleton(t *testing.T) {
	a := NewCollector("localcloud")
	b := NewCollector("localcloud")
	assert.Same(t, a, b)
}

func TestHandlerServesCounters(t *testing.T) {
	c := NewCollector("localcloud")
	c.Invocations.WithLabelValues("orders", "success").Inc()
	c.MessagesSent.WithLabelValues("jobs").Add(3)

	req := httptest.NewRequest(http.MethodGet, "/_mgmt/metrics", nil)
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "localcloud_function_invocations_total")
	assert.Contains(t, body, "localcloud_queue_messages_sent_total")
}
