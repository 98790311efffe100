package observability

import (
	"testing"
	"time"

	"github.com/danmuck/jobrelay/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("node-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordMessage("hop-a", "out", "ping")
	RecordDiscarded("hop-a", "invalid")
	RecordReconnect("hop-a")
	RecordHandshake("exec", 40*time.Millisecond, true)
	RecordLongActionPoll("hop-a", "installation")
	RecordBatchSubmit("metacentrum", false)
	RecordNodeCall("node-a", "start_child", "ok")
}

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRecordMessageCountsPerLabel(t *testing.T) {
	testlog.Start(t)
	labels := map[string]string{"hop": "hop-count", "direction": "in", "type": "ok"}
	before := counterValue(t, "jobrelay_link_messages_total", labels)
	RecordMessage("hop-count", "in", "ok")
	RecordMessage("hop-count", "in", "ok")
	after := counterValue(t, "jobrelay_link_messages_total", labels)
	if after-before != 2 {
		t.Fatalf("expected 2 increments, got %v", after-before)
	}
}
