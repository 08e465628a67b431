package models

// OrderUpdate is a postback pushed by the server over the same socket when
// one of the caller's orders changes state. Delivered as-is; order
// management itself lives outside this client.
type OrderUpdate struct {
	OrderID           string  `json:"order_id"`
	ExchangeOrderID   string  `json:"exchange_order_id"`
	Status            string  `json:"status"`
	StatusMessage     string  `json:"status_message"`
	TradingSymbol     string  `json:"tradingsymbol"`
	Exchange          string  `json:"exchange"`
	InstrumentToken   uint32  `json:"instrument_token"`
	TransactionType   string  `json:"transaction_type"`
	OrderType         string  `json:"order_type"`
	Product           string  `json:"product"`
	Quantity          uint32  `json:"quantity"`
	FilledQuantity    uint32  `json:"filled_quantity"`
	PendingQuantity   uint32  `json:"pending_quantity"`
	Price             float64 `json:"price"`
	TriggerPrice      float64 `json:"trigger_price"`
	AveragePrice      float64 `json:"average_price"`
	OrderTimestamp    string  `json:"order_timestamp"`
	ExchangeTimestamp string  `json:"exchange_timestamp"`
}
