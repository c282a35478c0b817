package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format:
// every counter under codedrop_broker_events_total with an `event` label, and
// every gauge under codedrop_broker_gauge with a `name` label.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		snap := m.Snapshot()
		_, _ = fmt.Fprintln(w, "# HELP codedrop_broker_events_total Internal event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE codedrop_broker_events_total counter")
		for _, k := range sortedKeys(snap) {
			_, _ = fmt.Fprintf(w, "codedrop_broker_events_total{event=\"%s\"} %d\n", labelEscaper.Replace(k), snap[k])
		}

		gauges := m.sampleGauges()
		if len(gauges) == 0 {
			return
		}
		_, _ = fmt.Fprintln(w, "# HELP codedrop_broker_gauge Point-in-time broker state.")
		_, _ = fmt.Fprintln(w, "# TYPE codedrop_broker_gauge gauge")
		for _, k := range sortedKeys(gauges) {
			_, _ = fmt.Fprintf(w, "codedrop_broker_gauge{name=\"%s\"} %d\n", labelEscaper.Replace(k), gauges[k])
		}
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
