package metrics

import (
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	reg            *prom.Registry
	passDuration   prom.Histogram
	scriptDuration *prom.HistogramVec
	taskResults    *prom.CounterVec
	filesWritten   *prom.CounterVec
	errors         *prom.CounterVec
}

// NewPrometheusRecorder constructs the metrics and registers them on reg
// (a fresh registry when nil).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{reg: reg}
	pr.passDuration = prom.NewHistogram(prom.HistogramOpts{
		Namespace: "tessera",
		Name:      "pass_duration_seconds",
		Help:      "Duration of generation passes",
		Buckets:   prom.DefBuckets,
	})
	pr.scriptDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: "tessera",
		Name:      "script_duration_seconds",
		Help:      "Time from script start to settlement",
		Buckets:   prom.DefBuckets,
	}, []string{"template"})
	pr.taskResults = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "tessera",
		Name:      "task_results_total",
		Help:      "Generate tasks by outcome",
	}, []string{"result"})
	pr.filesWritten = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "tessera",
		Name:      "files_written_total",
		Help:      "Output files written by kind",
	}, []string{"kind"})
	pr.errors = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "tessera",
		Name:      "errors_total",
		Help:      "Errors by kind",
	}, []string{"kind"})
	reg.MustRegister(pr.passDuration, pr.scriptDuration, pr.taskResults, pr.filesWritten, pr.errors)
	return pr
}

func (p *PrometheusRecorder) ObservePassDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.passDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveScriptDuration(template string, d time.Duration) {
	if p == nil {
		return
	}
	p.scriptDuration.WithLabelValues(template).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncTaskResult(result ResultLabel) {
	if p == nil {
		return
	}
	p.taskResults.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) IncFileWritten(kind string) {
	if p == nil {
		return
	}
	p.filesWritten.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) IncError(kind string) {
	if p == nil {
		return
	}
	p.errors.WithLabelValues(kind).Inc()
}

// WriteTextfile writes the current values in the node_exporter textfile
// format.
func (p *PrometheusRecorder) WriteTextfile(path string) error {
	if err := prom.WriteToTextfile(path, p.reg); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
