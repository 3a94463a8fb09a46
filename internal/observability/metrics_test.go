package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"gotest.tools/v3/assert"

	"github.com/michaelbrown/rlm/internal/llm"
	"github.com/michaelbrown/rlm/internal/sandbox"
)

func TestMetricsRegistered(t *testing.T) {
	// Vectors only appear after their first observation.
	SessionEventsTotal.WithLabelValues("test").Add(0)
	ExecutionsTotal.WithLabelValues("success", "").Add(0)
	DelegationsTotal.WithLabelValues("1", "ok").Add(0)
	RequestsTotal.WithLabelValues("GET", "2xx").Add(0)
	RequestDuration.WithLabelValues("GET").Observe(0)

	families, err := prometheus.DefaultGatherer.Gather()
	assert.NilError(t, err)

	expected := map[string]bool{
		"rlm_sessions_active":               false,
		"rlm_session_events_total":          false,
		"rlm_executions_total":              false,
		"rlm_execution_duration_seconds":    false,
		"rlm_output_truncated_total":        false,
		"rlm_delegations_total":             false,
		"rlm_http_requests_total":           false,
		"rlm_http_request_duration_seconds": false,
	}
	for _, mf := range families {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		assert.Assert(t, found, "metric %q not found in default registry", name)
	}
}

func TestMetricsObserver(t *testing.T) {
	sub := llm.CompleterFunc(func(_ context.Context, req llm.CompletionRequest) (string, error) {
		if req.Prompt == "fail" {
			return "", errors.New("down")
		}
		return "ok", nil
	})
	m := sandbox.NewManager(
		sandbox.WithScratchRoot(t.TempDir()),
		sandbox.WithObserver(MetricsObserver{}),
		sandbox.WithCompleters(sandbox.StaticCompleters{"sub": sub}),
	)
	defer m.CloseAll()

	active := gaugeValue(t, SessionsActive)
	ok := counterValue(t, ExecutionsTotal, "success", "")
	undefined := counterValue(t, ExecutionsTotal, "error", "UndefinedSymbol")
	truncated := gaugeLikeCounter(t, OutputTruncatedTotal)
	delegatedOK := counterValue(t, DelegationsTotal, "1", "ok")
	delegatedErr := counterValue(t, DelegationsTotal, "1", "error")
	durations := histogramCount(t, ExecutionDuration)

	id, err := m.Create("ctx", sandbox.Config{SubModel: "sub", TruncateOutputChars: 5})
	assert.NilError(t, err)
	assert.Equal(t, gaugeValue(t, SessionsActive), active+1)

	ctx := context.Background()
	for _, code := range []string{
		`print("long enough to truncate")`,
		"print(nope)",
		`r = llm_query("q")`,
		`pcall(llm_query, "fail")`,
	} {
		_, err := m.Execute(ctx, sandbox.ExecutionRequest{SessionID: id, Code: code})
		assert.NilError(t, err)
	}

	assert.Equal(t, counterValue(t, ExecutionsTotal, "success", "")-ok, 3.0)
	assert.Equal(t, counterValue(t, ExecutionsTotal, "error", "UndefinedSymbol")-undefined, 1.0)
	assert.Equal(t, gaugeLikeCounter(t, OutputTruncatedTotal)-truncated, 1.0)
	assert.Equal(t, counterValue(t, DelegationsTotal, "1", "ok")-delegatedOK, 1.0)
	assert.Equal(t, counterValue(t, DelegationsTotal, "1", "error")-delegatedErr, 1.0)
	assert.Equal(t, histogramCount(t, ExecutionDuration)-durations, uint64(4))

	assert.NilError(t, m.Close(id))
	assert.Equal(t, gaugeValue(t, SessionsActive), active)
}

func TestLogObserver(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	m := sandbox.NewManager(
		sandbox.WithScratchRoot(t.TempDir()),
		sandbox.WithObserver(LogObserver{Log: logger}),
	)
	defer m.CloseAll()

	id, err := m.Create("ctx", sandbox.Config{})
	assert.NilError(t, err)
	_, err = m.Execute(context.Background(), sandbox.ExecutionRequest{SessionID: id, Code: "error('x')"})
	assert.NilError(t, err)

	var messages []string
	for _, e := range hook.AllEntries() {
		messages = append(messages, e.Message)
		assert.Equal(t, e.Data["session"], id)
	}
	assert.DeepEqual(t, messages, []string{"session created", "snippet submitted", "snippet completed"})
	assert.Equal(t, hook.LastEntry().Data["kind"], sandbox.KindRuntimeFailure)
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	before := counterValue(t, RequestsTotal, "POST", "4xx")

	handler := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/sessions", nil))

	after := counterValue(t, RequestsTotal, "POST", "4xx")
	assert.Equal(t, after-before, 1.0)
}

func TestStatusWriterFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
	sw.Flush()
	assert.Assert(t, rec.Flushed)

	_, _, err := sw.Hijack()
	assert.ErrorContains(t, err, "hijack")
}

func counterValue(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := cv.GetMetricWithLabelValues(labels...)
	assert.NilError(t, err)
	return gaugeLikeCounter(t, c)
}

func gaugeLikeCounter(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	assert.NilError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func histogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	m := &dto.Metric{}
	assert.NilError(t, h.Write(m))
	return m.GetHistogram().GetSampleCount()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	assert.NilError(t, g.Write(m))
	return m.GetGauge().GetValue()
}
