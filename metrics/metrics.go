package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Prometheus metrics
	ticksDecodedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_ticks_decoded_total",
		Help: "The total number of ticks decoded from binary frames",
	})

	parseErrorsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_parse_errors_total",
		Help: "Total number of malformed frames or packets skipped",
	})

	reconnectsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_reconnects_total",
		Help: "Total number of reconnection attempts",
	})

	droppedBatchesMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_dropped_tick_batches_total",
		Help: "Tick batches dropped by the dispatcher under backpressure",
	})

	heartbeatTimeoutsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_heartbeat_timeouts_total",
		Help: "Connections declared dead by the heartbeat watchdog",
	})

	connectionStateMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_connection_state",
		Help: "Current connection state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=closed)",
	})

	subscriptionsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_subscriptions",
		Help: "Number of instrument tokens currently subscribed",
	})

	decodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feed_frame_decode_seconds",
		Help:    "Time spent decoding each binary frame",
		Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10),
	})

	// Internal counters
	ticksDecoded uint64
	parseErrors  uint64
	lastTickAt   atomic.Int64
	startTime    = time.Now()
)

func AddTicksDecoded(n int) {
	atomic.AddUint64(&ticksDecoded, uint64(n))
	ticksDecodedMetric.Add(float64(n))
	lastTickAt.Store(time.Now().UnixNano())
}

func IncrementParseErrors() {
	atomic.AddUint64(&parseErrors, 1)
	parseErrorsMetric.Inc()
}

func IncrementReconnects() {
	reconnectsMetric.Inc()
}

func IncrementDroppedBatches() {
	droppedBatchesMetric.Inc()
}

func IncrementHeartbeatTimeouts() {
	heartbeatTimeoutsMetric.Inc()
}

func SetConnectionState(state int) {
	connectionStateMetric.Set(float64(state))
}

func SetSubscriptions(n int) {
	subscriptionsMetric.Set(float64(n))
}

func RecordDecodeDuration(d time.Duration) {
	decodeDuration.Observe(d.Seconds())
}

func GetStats() (uint64, uint64, time.Time, time.Duration) {
	return atomic.LoadUint64(&ticksDecoded),
		atomic.LoadUint64(&parseErrors),
		time.Unix(0, lastTickAt.Load()),
		time.Since(startTime)
}
