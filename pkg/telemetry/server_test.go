package telemetry_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ramiqadoumi/go-task-gateway/pkg/telemetry"
)

func TestMetricsHandler_Readyz(t *testing.T) {
	var storeErr error
	h := telemetry.MetricsHandler(func(context.Context) error { return storeErr })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	storeErr = errors.New("redis down")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsHandler_Metrics(t *testing.T) {
	telemetry.DispatcherTasksSubmitted.WithLabelValues("lead_score").Inc()

	rec := httptest.NewRecorder()
	telemetry.MetricsHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskgateway_dispatcher_tasks_submitted_total")
}

func TestInitTracer_NoEndpoint(t *testing.T) {
	shutdown, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{ServiceName: "api-gateway"})
	assert.NoError(t, err)
	shutdown()
}
