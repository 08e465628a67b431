package models

import "time"

// TickRow is the flattened ClickHouse representation of a tick.
type TickRow struct {
	ReceivedAt        time.Time `ch:"received_at"`
	InstrumentToken   uint32    `ch:"instrument_token"`
	Mode              string    `ch:"mode"`
	LastPrice         float64   `ch:"last_price"`
	LastQuantity      uint32    `ch:"last_quantity"`
	AveragePrice      float64   `ch:"average_price"`
	Volume            uint32    `ch:"volume"`
	BuyQuantity       uint32    `ch:"buy_quantity"`
	SellQuantity      uint32    `ch:"sell_quantity"`
	OpenPrice         float64   `ch:"open_price"`
	HighPrice         float64   `ch:"high_price"`
	LowPrice          float64   `ch:"low_price"`
	ClosePrice        float64   `ch:"close_price"`
	OI                uint32    `ch:"oi"`
	ExchangeTimestamp time.Time `ch:"exchange_timestamp"`
}

// NewTickRow flattens a decoded tick for storage.
func NewTickRow(t Tick, receivedAt time.Time) TickRow {
	return TickRow{
		ReceivedAt:        receivedAt,
		InstrumentToken:   t.InstrumentToken,
		Mode:              string(t.Mode),
		LastPrice:         t.LastPrice,
		LastQuantity:      t.LastTradedQuantity,
		AveragePrice:      t.AverageTradePrice,
		Volume:            t.VolumeTraded,
		BuyQuantity:       t.TotalBuyQuantity,
		SellQuantity:      t.TotalSellQuantity,
		OpenPrice:         t.OHLC.Open,
		HighPrice:         t.OHLC.High,
		LowPrice:          t.OHLC.Low,
		ClosePrice:        t.OHLC.Close,
		OI:                t.OI,
		ExchangeTimestamp: t.ExchangeTimestamp,
	}
}
