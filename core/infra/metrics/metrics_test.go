package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.IncLifecycleOp("deploy", "ok")
	m.IncUndeployBlocked("Invoice")
	m.IncChangeQueries("by_version")
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("procdef")
	m.IncLifecycleOp("deploy", "ok")
	m.IncUndeployBlocked("Invoice")
	m.IncChangeQueries("by_date")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "procdef_lifecycle_ops_total", map[string]string{"op": "deploy", "status": "ok"}) {
		t.Fatalf("expected lifecycle_ops metric")
	}
	if !hasMetric(families, "procdef_undeploy_blocked_total", map[string]string{"definition": "Invoice"}) {
		t.Fatalf("expected undeploy_blocked metric")
	}
	if !hasMetric(families, "procdef_change_queries_total", map[string]string{"kind": "by_date"}) {
		t.Fatalf("expected change_queries metric")
	}
}

func TestGatewayMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewGatewayProm("procdef")
	m.ObserveRequest("GET", "/api/v1/definitions", "200", 0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "procdef_http_requests_total", map[string]string{"method": "GET", "route": "/api/v1/definitions", "status": "200"}) {
		t.Fatalf("expected http_requests metric")
	}
	if !hasMetric(families, "procdef_http_request_duration_seconds", map[string]string{"method": "GET", "route": "/api/v1/definitions"}) {
		t.Fatalf("expected http_request_duration metric")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("procdef")
	m.IncLifecycleOp("deploy", "ok")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
