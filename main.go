package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kite_clickhouse/config"
	"kite_clickhouse/db"
	"kite_clickhouse/metrics"
	"kite_clickhouse/middleware"
	"kite_clickhouse/models"
	"kite_clickhouse/monitoring"
	"kite_clickhouse/ticker"
	"kite_clickhouse/utils"
	"kite_clickhouse/ws"
)

// insertFunc writes one batch of tick rows to storage.
type insertFunc func(ctx context.Context, rows []models.TickRow) error

func main() {
	// Load environment variables; a missing .env is fine in production.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not load .env file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := utils.InitLogger(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := utils.Logger

	store, err := db.NewClickHouseDB(cfg)
	if err != nil {
		logger.Fatalw("Failed to initialize database", "error", err)
	}
	defer store.Close()

	// Worker pool: tick rows in, batched ClickHouse inserts out. Inserts
	// run behind the storage circuit breaker.
	insert := func(ctx context.Context, rows []models.TickRow) error {
		return middleware.WithCircuitBreaker(logger, func() error {
			return store.InsertTicks(ctx, rows)
		})
	}
	jobs := make(chan models.TickRow, cfg.App.BufferSize)
	var workers sync.WaitGroup
	for w := 1; w <= cfg.App.NumWorkers; w++ {
		workers.Add(1)
		go storageWorker(w, cfg, jobs, insert, &workers)
	}

	tk, err := ticker.New(ticker.Config{
		URL:                  cfg.Feed.URL,
		APIKey:               cfg.Feed.APIKey,
		AccessToken:          cfg.Feed.AccessToken,
		DefaultMode:          models.Mode(cfg.Feed.Mode),
		PingInterval:         time.Duration(cfg.Feed.PingSecs) * time.Second,
		ReconnectBaseDelay:   time.Duration(cfg.Feed.ReconnectBaseSecs) * time.Second,
		ReconnectMaxDelay:    time.Duration(cfg.Feed.ReconnectMaxSecs) * time.Second,
		ReconnectJitter:      0.1,
		ReconnectMaxAttempts: cfg.Feed.ReconnectRetries,
	}, logger)
	if err != nil {
		logger.Fatalw("Failed to build ticker client", "error", err)
	}

	tk.OnConnect(func() {
		logger.Infow("Feed connected", "tokens", len(cfg.Feed.Tokens))
	})
	tk.OnTick(func(ticks []models.Tick) {
		now := time.Now()
		for _, t := range ticks {
			select {
			case jobs <- models.NewTickRow(t, now):
			default:
				logger.Warnw("Worker buffer full, dropping tick",
					"token", t.InstrumentToken)
			}
		}
	})
	tk.OnClose(func(reason ws.CloseReason, err error) {
		logger.Warnw("Feed disconnected", "reason", reason.String(), "error", err)
	})
	tk.OnError(func(err error) {
		logger.Errorw("Feed error", "error", err)
	})
	tk.OnReconnect(func(attempt int, delay time.Duration) {
		logger.Infow("Feed reconnecting", "attempt", attempt, "delay", delay)
	})
	tk.OnNoReconnect(func(attempt int) {
		logger.Errorw("Feed gave up reconnecting", "attempts", attempt)
	})
	tk.OnOrderUpdate(func(order models.OrderUpdate) {
		logger.Infow("Order update",
			"order_id", order.OrderID,
			"status", order.Status)
	})

	if len(cfg.Feed.Tokens) > 0 {
		if err := tk.Subscribe(cfg.Feed.Tokens); err != nil {
			logger.Fatalw("Failed to record subscriptions", "error", err)
		}
	}

	if err := tk.Connect(); err != nil {
		logger.Fatalw("Failed to start feed", "error", err)
	}

	monitoring.RegisterHealthCheck("feed", func() bool {
		return tk.State() == ticker.StateConnected
	})
	monitoring.RegisterHealthCheck("clickhouse", func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return store.Ping(ctx) == nil
	})
	metricsDone := make(chan struct{})
	monitoring.StartMetricsCollection(metricsDone)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", monitoring.HealthCheckHandler)
	mux.HandleFunc("/stats", feedStatsHandler)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: utils.RequestLogger(mux),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("Metrics server error", "error", err)
		}
	}()

	// Block until shutdown is requested.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infow("Shutting down", "signal", sig.String())

	tk.Stop()

	// No tick arrives after Stop; closing jobs lets each worker drain the
	// buffered rows and flush its final batch before exiting.
	close(jobs)
	workers.Wait()
	close(metricsDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
}

// feedStatsHandler reports cumulative feed counters as JSON.
func feedStatsHandler(w http.ResponseWriter, r *http.Request) {
	decoded, parseErrs, lastTick, uptime := metrics.GetStats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ticks_decoded":  decoded,
		"parse_errors":   parseErrs,
		"last_tick_at":   lastTick.Format(time.RFC3339Nano),
		"uptime_seconds": uptime.Seconds(),
	})
}

// storageWorker batches rows and flushes them on size or the flush
// interval, whichever comes first. It exits only when jobs is closed and
// drained, so buffered rows survive shutdown, with one last flush on the
// way out.
func storageWorker(id int, cfg *config.Config, jobs <-chan models.TickRow, insert insertFunc, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := utils.Logger
	if logger == nil {
		logger = utils.NopLogger()
	}

	batch := make([]models.TickRow, 0, cfg.App.BatchSize)
	flushTicker := time.NewTicker(time.Duration(cfg.App.FlushSecs) * time.Second)
	defer flushTicker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		rows := batch
		batch = batch[:0]
		monitoring.SetBatchSize(0)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ClickHouse.QueryTimeout)
		err := insert(ctx, rows)
		cancel()
		if err != nil {
			logger.Errorw("Error storing tick batch",
				"error", err,
				"worker_id", id,
				"rows", len(rows),
			)
			return
		}

		logger.Debugw("Tick batch stored", "worker_id", id, "rows", len(rows))
	}

	for {
		select {
		case row, ok := <-jobs:
			if !ok {
				flush()
				return
			}
			batch = append(batch, row)
			monitoring.SetBatchSize(len(batch))
			if len(batch) >= cfg.App.BatchSize {
				flush()
			}
		case <-flushTicker.C:
			flush()
		}
	}
}
