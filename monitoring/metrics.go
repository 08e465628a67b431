package monitoring

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	memoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_memory_bytes",
		Help: "Current memory usage in bytes",
	})

	goroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_goroutines",
		Help: "Current number of goroutines",
	})

	insertDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clickhouse_insert_duration_seconds",
		Help:    "Time taken for ClickHouse batch inserts",
		Buckets: prometheus.LinearBuckets(0.01, 0.05, 10),
	}, []string{"table"})

	batchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_batch_size",
		Help: "Current size of the tick batch buffer",
	})
)

// StartMetricsCollection samples runtime metrics every 5 seconds until
// done is closed.
func StartMetricsCollection(done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				collectSystemMetrics()
			}
		}
	}()
}

func collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	memoryUsage.Set(float64(m.Alloc))
	goroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordInsert observes one batch insert.
func RecordInsert(table string, d time.Duration) {
	insertDuration.WithLabelValues(table).Observe(d.Seconds())
}

// SetBatchSize publishes the current flush buffer length.
func SetBatchSize(n int) {
	batchSize.Set(float64(n))
}
