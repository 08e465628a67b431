// Package parser implements the wire codec for the streaming feed: binary
// tick frames in, JSON control messages out. It is pure and holds no
// connection state.
package parser

import (
	"encoding/binary"
	"fmt"
	"time"

	"kite_clickhouse/models"
)

// Known packet body lengths. Anything else decodes as an LTP-only prefix,
// since the server has historically grown packets by appending fields.
const (
	packetLTP        = 8
	packetIndexQuote = 28
	packetIndexFull  = 32
	packetQuote      = 44
	packetFull       = 184
)

// FrameError reports a malformed binary frame. Packets decoded before the
// offending one are still returned to the caller alongside the error.
type FrameError struct {
	Packet int
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed tick frame: packet %d: %s", e.Packet, e.Reason)
}

// Decoder decodes binary tick frames using a per-segment price divisor table.
type Decoder struct {
	divisors models.DivisorTable
}

// NewDecoder returns a Decoder. A nil table falls back to the defaults.
func NewDecoder(divisors models.DivisorTable) *Decoder {
	if divisors == nil {
		divisors = models.DefaultDivisors()
	}
	return &Decoder{divisors: divisors}
}

// DecodeFrame splits a binary frame into packets and decodes each into a
// tick, in wire order. A frame shorter than two bytes is a server heartbeat
// and yields no ticks and no error. A truncated frame returns the ticks
// decoded so far together with a *FrameError.
func (d *Decoder) DecodeFrame(frame []byte) ([]models.Tick, error) {
	if len(frame) < 2 {
		return nil, nil
	}

	count := int(binary.BigEndian.Uint16(frame[0:2]))
	ticks := make([]models.Tick, 0, count)

	offset := 2
	for i := 0; i < count; i++ {
		if len(frame) < offset+2 {
			return ticks, &FrameError{Packet: i, Reason: "missing packet length"}
		}
		length := int(binary.BigEndian.Uint16(frame[offset : offset+2]))
		offset += 2

		if len(frame) < offset+length {
			return ticks, &FrameError{
				Packet: i,
				Reason: fmt.Sprintf("declared %d bytes, %d remain", length, len(frame)-offset),
			}
		}

		tick, err := d.decodePacket(frame[offset : offset+length])
		if err != nil {
			return ticks, &FrameError{Packet: i, Reason: err.Error()}
		}
		ticks = append(ticks, tick)
		offset += length
	}

	return ticks, nil
}

// decodePacket decodes one packet body by length.
func (d *Decoder) decodePacket(b []byte) (models.Tick, error) {
	if len(b) < packetLTP {
		return models.Tick{}, fmt.Errorf("packet too short: %d bytes", len(b))
	}

	token := binary.BigEndian.Uint32(b[0:4])
	div := d.divisors.Divisor(token)
	isIndex := models.Segment(token) == models.Indices

	tick := models.Tick{
		Mode:            models.ModeLTP,
		InstrumentToken: token,
		IsTradable:      !isIndex,
		IsIndex:         isIndex,
		LastPrice:       price(b[4:8], div),
	}

	switch {
	case len(b) == packetLTP:
		return tick, nil

	case isIndex && (len(b) == packetIndexQuote || len(b) == packetIndexFull):
		tick.Mode = models.ModeQuote
		tick.OHLC = models.OHLC{
			High:  price(b[8:12], div),
			Low:   price(b[12:16], div),
			Open:  price(b[16:20], div),
			Close: price(b[20:24], div),
		}
		tick.NetChange = tick.LastPrice - tick.OHLC.Close
		if len(b) == packetIndexFull {
			tick.Mode = models.ModeFull
			tick.ExchangeTimestamp = unixTime(b[28:32])
		}
		return tick, nil

	case !isIndex && (len(b) == packetQuote || len(b) == packetFull):
		tick.Mode = models.ModeQuote
		tick.LastTradedQuantity = binary.BigEndian.Uint32(b[8:12])
		tick.AverageTradePrice = price(b[12:16], div)
		tick.VolumeTraded = binary.BigEndian.Uint32(b[16:20])
		tick.TotalBuyQuantity = binary.BigEndian.Uint32(b[20:24])
		tick.TotalSellQuantity = binary.BigEndian.Uint32(b[24:28])
		tick.OHLC = models.OHLC{
			Open:  price(b[28:32], div),
			High:  price(b[32:36], div),
			Low:   price(b[36:40], div),
			Close: price(b[40:44], div),
		}
		tick.NetChange = tick.LastPrice - tick.OHLC.Close
		if len(b) == packetFull {
			tick.Mode = models.ModeFull
			tick.LastTradeTime = unixTime(b[44:48])
			tick.OI = binary.BigEndian.Uint32(b[48:52])
			tick.OIDayHigh = binary.BigEndian.Uint32(b[52:56])
			tick.OIDayLow = binary.BigEndian.Uint32(b[56:60])
			tick.ExchangeTimestamp = unixTime(b[60:64])
			tick.Depth = decodeDepth(b[64:184], div)
		}
		return tick, nil
	}

	// Unrecognized length: keep the LTP prefix, flag the rest as unknown.
	tick.Partial = true
	return tick, nil
}

// decodeDepth decodes five bid then five ask levels of 12 bytes each.
func decodeDepth(b []byte, div float64) models.Depth {
	var depth models.Depth
	for i := 0; i < 10; i++ {
		entry := b[i*12 : i*12+12]
		item := models.DepthItem{
			Quantity: binary.BigEndian.Uint32(entry[0:4]),
			Price:    price(entry[4:8], div),
			Orders:   uint32(binary.BigEndian.Uint16(entry[8:10])),
		}
		if i < 5 {
			depth.Buy[i] = item
		} else {
			depth.Sell[i-5] = item
		}
	}
	return depth
}

func price(b []byte, div float64) float64 {
	return float64(int32(binary.BigEndian.Uint32(b))) / div
}

func unixTime(b []byte) time.Time {
	v := int64(int32(binary.BigEndian.Uint32(b)))
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}
