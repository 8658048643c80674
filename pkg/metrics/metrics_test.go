package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/keepr/pkg/metrics"
)

func TestMetricsHandler(t *testing.T) {
	m := metrics.New()
	m.Fallback("embedding")
	m.Fallback("embedding")
	m.ObserveCall("llm", time.Now(), nil)
	m.Query("memory")
	m.SetSessions(3)
	m.SessionsExpired(2)
	m.Answer("fallback", "low")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	gt.NoError(t, err)

	out := string(body)
	gt.S(t, out).Contains(`keepr_fallbacks_total{component="embedding"} 2`)
	gt.S(t, out).Contains(`keepr_repository_queries_total{backend="memory"} 1`)
	gt.S(t, out).Contains(`keepr_chat_sessions 3`)
	gt.S(t, out).Contains(`keepr_chat_sessions_expired_total 2`)
}

func TestNilMetrics(t *testing.T) {
	var m *metrics.Metrics
	m.Fallback("embedding")
	m.CacheLookup(true)
	m.SetSessions(1)
	gt.V(t, m.Handler()).NotNil()
}
