package models

import "time"

// Mode is the subscription fidelity level for an instrument.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
)

// Valid reports whether m is one of the wire-recognized modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeLTP, ModeQuote, ModeFull:
		return true
	}
	return false
}

// DepthItem is one price level of market depth.
type DepthItem struct {
	Price    float64 `json:"price"`
	Quantity uint32  `json:"quantity"`
	Orders   uint32  `json:"orders"`
}

// Depth holds the five best bid and ask levels of a full-mode tick.
type Depth struct {
	Buy  [5]DepthItem `json:"buy"`
	Sell [5]DepthItem `json:"sell"`
}

// OHLC holds the day's open/high/low/close prices.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Tick is the structured decode of one instrument packet. Which fields are
// populated depends on Mode; Partial marks packets whose length matched no
// known layout and therefore carry only the LTP fields.
type Tick struct {
	Mode            Mode   `json:"mode"`
	InstrumentToken uint32 `json:"instrument_token"`
	IsTradable      bool   `json:"is_tradable"`
	IsIndex         bool   `json:"is_index"`
	Partial         bool   `json:"partial"`

	LastPrice float64 `json:"last_price"`

	// quote fields
	LastTradedQuantity uint32  `json:"last_traded_quantity"`
	AverageTradePrice  float64 `json:"average_traded_price"`
	VolumeTraded       uint32  `json:"volume_traded"`
	TotalBuyQuantity   uint32  `json:"total_buy_quantity"`
	TotalSellQuantity  uint32  `json:"total_sell_quantity"`
	OHLC               OHLC    `json:"ohlc"`
	NetChange          float64 `json:"net_change"`

	// full fields
	LastTradeTime     time.Time `json:"last_trade_time"`
	OI                uint32    `json:"oi"`
	OIDayHigh         uint32    `json:"oi_day_high"`
	OIDayLow          uint32    `json:"oi_day_low"`
	ExchangeTimestamp time.Time `json:"exchange_timestamp"`
	Depth             Depth     `json:"depth"`
}
