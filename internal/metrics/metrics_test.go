package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasksTotal(t *testing.T) {
	before := testutil.ToFloat64(TasksTotal.WithLabelValues("HASHING", "succeeded"))
	TasksTotal.WithLabelValues("HASHING", "succeeded").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(TasksTotal.WithLabelValues("HASHING", "succeeded")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	ContainersPersisted.Add(0)
	QueueDepth.Set(3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "datashark_queue_depth 3")
	assert.Contains(t, rec.Body.String(), "datashark_containers_persisted_total")
}
