package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveDispatch("plan", "ok", time.Millisecond)
	m.ObservePlan(1, 2)
	m.IncSent()
	m.IncSegmentError("remote")
	m.IncCancel()
	m.ObserveBatches(1)
	m.ObserveSlices(2)
	m.ObserveSend(time.Millisecond)
	m.StateOpened()
	m.StateClosed()
}

func TestHandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "mppdisp")
	m.ObserveDispatch("plan", "ok", 5*time.Millisecond)
	m.IncSent()
	m.IncSent()
	m.IncSegmentError("network")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`mppdisp_dispatch_total{kind="plan",status="ok"} 1`,
		`mppdisp_messages_sent_total 2`,
		`mppdisp_segment_errors_total{category="network"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
