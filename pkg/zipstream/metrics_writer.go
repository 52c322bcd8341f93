package zipstream

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	outputWritesStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "zipstream",
			Name:      "output_writes_started_total",
			Help:      "Total number of write operations performed on archive output sinks.",
		},
		[]string{"name"})
	outputBytesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "zipstream",
			Name:      "output_bytes_written_total",
			Help:      "Total number of archive bytes written to output sinks.",
		},
		[]string{"name"})
	outputWriteDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buildbarn",
			Subsystem: "zipstream",
			Name:      "output_write_duration_seconds",
			Help:      "Amount of time spent per write operation on archive output sinks, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 10.0, 7),
		},
		[]string{"name"})
)

func init() {
	prometheus.MustRegister(outputWritesStartedTotal)
	prometheus.MustRegister(outputBytesWrittenTotal)
	prometheus.MustRegister(outputWriteDurationSeconds)
}

type metricsWriter struct {
	w                          io.Writer
	outputWritesStartedTotal   prometheus.Counter
	outputBytesWrittenTotal    prometheus.Counter
	outputWriteDurationSeconds prometheus.Observer
}

// NewMetricsWriter creates a decorator for an archive output sink that
// adds basic instrumentation in the form of Prometheus metrics.
func NewMetricsWriter(w io.Writer, name string) io.Writer {
	return &metricsWriter{
		w:                          w,
		outputWritesStartedTotal:   outputWritesStartedTotal.WithLabelValues(name),
		outputBytesWrittenTotal:    outputBytesWrittenTotal.WithLabelValues(name),
		outputWriteDurationSeconds: outputWriteDurationSeconds.WithLabelValues(name),
	}
}

func (w *metricsWriter) Write(p []byte) (int, error) {
	w.outputWritesStartedTotal.Inc()
	timeStart := time.Now()
	n, err := w.w.Write(p)
	w.outputWriteDurationSeconds.Observe(time.Now().Sub(timeStart).Seconds())
	w.outputBytesWrittenTotal.Add(float64(n))
	return n, err
}
