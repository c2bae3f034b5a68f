package otel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupOTelSDK_Disabled(t *testing.T) {
	shutdown, metrics, err := SetupOTelSDK(context.Background(), "atbroker-test", Config{})
	require.NoError(t, err)
	assert.Nil(t, metrics)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupOTelSDK_PrometheusServesMetrics(t *testing.T) {
	ctx := context.Background()
	shutdown, metrics, err := SetupOTelSDK(ctx, "atbroker-test", Config{Prometheus: true})
	require.NoError(t, err)
	require.NotNil(t, metrics)
	defer func() { _ = shutdown(ctx) }()

	counter, err := otel.Meter("atbroker/test").Int64Counter("broker.test.calls")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	rr := httptest.NewRecorder()
	metrics.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "calls")
}
