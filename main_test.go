package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kite_clickhouse/config"
	"kite_clickhouse/metrics"
	"kite_clickhouse/models"
)

func workerConfig() *config.Config {
	cfg := &config.Config{}
	cfg.App.BatchSize = 100
	cfg.App.FlushSecs = 60 // only the close path should flush here
	cfg.ClickHouse.QueryTimeout = time.Second
	return cfg
}

func TestStorageWorkerDrainsBufferedRowsOnClose(t *testing.T) {
	var mu sync.Mutex
	var stored []models.TickRow
	insert := func(ctx context.Context, rows []models.TickRow) error {
		mu.Lock()
		stored = append(stored, rows...)
		mu.Unlock()
		return nil
	}

	// Rows still sitting in the channel buffer at shutdown must reach
	// storage, not be abandoned.
	jobs := make(chan models.TickRow, 8)
	for i := uint32(1); i <= 5; i++ {
		jobs <- models.TickRow{InstrumentToken: i}
	}
	close(jobs)

	var wg sync.WaitGroup
	wg.Add(1)
	go storageWorker(1, workerConfig(), jobs, insert, &wg)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stored, 5)
	assert.Equal(t, uint32(1), stored[0].InstrumentToken)
	assert.Equal(t, uint32(5), stored[4].InstrumentToken)
}

func TestStorageWorkerFlushesOnBatchSize(t *testing.T) {
	batches := make(chan int, 4)
	insert := func(ctx context.Context, rows []models.TickRow) error {
		batches <- len(rows)
		return nil
	}

	cfg := workerConfig()
	cfg.App.BatchSize = 3

	jobs := make(chan models.TickRow, 8)
	var wg sync.WaitGroup
	wg.Add(1)
	go storageWorker(1, cfg, jobs, insert, &wg)

	for i := uint32(1); i <= 3; i++ {
		jobs <- models.TickRow{InstrumentToken: i}
	}

	select {
	case n := <-batches:
		assert.Equal(t, 3, n)
	case <-time.After(2 * time.Second):
		t.Fatal("batch never flushed on size")
	}

	close(jobs)
	wg.Wait()
}

func TestFeedStatsHandler(t *testing.T) {
	metrics.AddTicksDecoded(3)
	metrics.IncrementParseErrors()

	rec := httptest.NewRecorder()
	feedStatsHandler(rec, httptest.NewRequest("GET", "/stats", nil))

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		TicksDecoded  uint64  `json:"ticks_decoded"`
		ParseErrors   uint64  `json:"parse_errors"`
		LastTickAt    string  `json:"last_tick_at"`
		UptimeSeconds float64 `json:"uptime_seconds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.GreaterOrEqual(t, body.TicksDecoded, uint64(3))
	assert.GreaterOrEqual(t, body.ParseErrors, uint64(1))
	assert.NotEmpty(t, body.LastTickAt)
	assert.Greater(t, body.UptimeSeconds, 0.0)
}
