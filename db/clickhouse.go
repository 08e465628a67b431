package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"kite_clickhouse/config"
	"kite_clickhouse/models"
	"kite_clickhouse/monitoring"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS market_ticks (
    received_at DateTime64(3),
    instrument_token UInt32,
    mode String,
    last_price Float64,
    last_quantity UInt32,
    average_price Float64,
    volume UInt32,
    buy_quantity UInt32,
    sell_quantity UInt32,
    open_price Float64,
    high_price Float64,
    low_price Float64,
    close_price Float64,
    oi UInt32,
    exchange_timestamp DateTime
) ENGINE = MergeTree()
ORDER BY (instrument_token, received_at)
`

type ClickHouseDB struct {
	conn driver.Conn
}

func NewClickHouseDB(cfg *config.Config) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.ClickHouse.Host, cfg.ClickHouse.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.User,
			Password: cfg.ClickHouse.Password,
		},
		Protocol: clickhouse.Native,
		Debug:    cfg.ClickHouse.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		MaxOpenConns: cfg.ClickHouse.MaxOpenConns,
		MaxIdleConns: cfg.ClickHouse.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	db := &ClickHouseDB{conn: conn}
	if err := db.createTable(); err != nil {
		return nil, err
	}

	return db, nil
}

func (db *ClickHouseDB) createTable() error {
	return db.conn.Exec(context.Background(), createTableSQL)
}

// InsertTicks writes one batch of tick rows.
func (db *ClickHouseDB) InsertTicks(ctx context.Context, rows []models.TickRow) error {
	start := time.Now()

	batch, err := db.conn.PrepareBatch(ctx, "INSERT INTO market_ticks")
	if err != nil {
		return err
	}

	for i := range rows {
		if err := batch.AppendStruct(&rows[i]); err != nil {
			return err
		}
	}

	if err := batch.Send(); err != nil {
		return err
	}

	monitoring.RecordInsert("market_ticks", time.Since(start))
	return nil
}

// Ping reports storage reachability, used by the health endpoint.
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

func (db *ClickHouseDB) Close() error {
	return db.conn.Close()
}
