package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestCollectorsAreRegistered(t *testing.T) {
	SessionsCreated.Inc()
	FanoutDeliveries.WithLabelValues("ok").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	for _, name := range []string{
		"duel_sessions_created_total",
		"duel_fanout_deliveries_total",
	} {
		require.True(t, strings.Contains(string(body), name), "missing %s", name)
	}
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestCounterVecLabels(t *testing.T) {
	before := counterValue(t, SessionJoins.WithLabelValues("seat_taken"))
	SessionJoins.WithLabelValues("seat_taken").Inc()
	require.Equal(t, before+1, counterValue(t, SessionJoins.WithLabelValues("seat_taken")))
}
