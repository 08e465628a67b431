package parser

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kite_clickhouse/models"
)

// putU32 appends big-endian fields, the fixture counterpart of the decoder.
func putU32(b []byte, values ...uint32) []byte {
	for _, v := range values {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], v)
		b = append(b, buf[:]...)
	}
	return b
}

func buildFrame(packets ...[]byte) []byte {
	frame := make([]byte, 2)
	binary.BigEndian.PutUint16(frame, uint16(len(packets)))
	for _, p := range packets {
		var length [2]byte
		binary.BigEndian.PutUint16(length[:], uint16(len(p)))
		frame = append(frame, length[:]...)
		frame = append(frame, p...)
	}
	return frame
}

func ltpPacket(token, price uint32) []byte {
	return putU32(nil, token, price)
}

func quotePacket(token uint32, fields ...uint32) []byte {
	return putU32(putU32(nil, token), fields...)
}

func depthEntry(qty, price uint32, orders uint16) []byte {
	b := putU32(nil, qty, price)
	var o [2]byte
	binary.BigEndian.PutUint16(o[:], orders)
	b = append(b, o[:]...)
	return append(b, 0, 0) // padding
}

func TestDecodeLTPPacket(t *testing.T) {
	// Token 12345 is segment 57: default paise divisor applies.
	frame := buildFrame(ltpPacket(12345, 1505000))

	ticks, err := NewDecoder(nil).DecodeFrame(frame)
	require.NoError(t, err)
	require.Len(t, ticks, 1)

	tick := ticks[0]
	assert.Equal(t, models.ModeLTP, tick.Mode)
	assert.Equal(t, uint32(12345), tick.InstrumentToken)
	assert.Equal(t, 15050.00, tick.LastPrice)
	assert.True(t, tick.IsTradable)
	assert.False(t, tick.Partial)
}

func TestDecodeQuotePacket(t *testing.T) {
	packet := quotePacket(408065,
		150000, // ltp
		75,     // last qty
		149500, // avg price
		900000, // volume
		4000,   // buy qty
		3000,   // sell qty
		148000, // open
		151000, // high
		147000, // low
		149000, // close
	)
	require.Len(t, packet, 44)

	ticks, err := NewDecoder(nil).DecodeFrame(buildFrame(packet))
	require.NoError(t, err)
	require.Len(t, ticks, 1)

	tick := ticks[0]
	assert.Equal(t, models.ModeQuote, tick.Mode)
	assert.Equal(t, uint32(408065), tick.InstrumentToken)
	assert.Equal(t, 1500.00, tick.LastPrice)
	assert.Equal(t, uint32(75), tick.LastTradedQuantity)
	assert.Equal(t, 1495.00, tick.AverageTradePrice)
	assert.Equal(t, uint32(900000), tick.VolumeTraded)
	assert.Equal(t, uint32(4000), tick.TotalBuyQuantity)
	assert.Equal(t, uint32(3000), tick.TotalSellQuantity)
	assert.Equal(t, models.OHLC{Open: 1480, High: 1510, Low: 1470, Close: 1490}, tick.OHLC)
	assert.InDelta(t, 10.00, tick.NetChange, 1e-9)
}

func TestDecodeFullPacket(t *testing.T) {
	lastTrade := uint32(1700000000)
	exchangeTS := uint32(1700000005)

	packet := quotePacket(408065,
		150000, 75, 149500, 900000, 4000, 3000,
		148000, 151000, 147000, 149000,
	)
	packet = putU32(packet, lastTrade, 5500, 6000, 5000, exchangeTS)
	for i := 0; i < 5; i++ {
		packet = append(packet, depthEntry(uint32(10+i), uint32(149900-i*100), uint16(i+1))...)
	}
	for i := 0; i < 5; i++ {
		packet = append(packet, depthEntry(uint32(20+i), uint32(150100+i*100), uint16(i+1))...)
	}
	require.Len(t, packet, 184)

	ticks, err := NewDecoder(nil).DecodeFrame(buildFrame(packet))
	require.NoError(t, err)
	require.Len(t, ticks, 1)

	tick := ticks[0]
	assert.Equal(t, models.ModeFull, tick.Mode)
	assert.Equal(t, uint32(5500), tick.OI)
	assert.Equal(t, uint32(6000), tick.OIDayHigh)
	assert.Equal(t, uint32(5000), tick.OIDayLow)
	assert.Equal(t, time.Unix(int64(lastTrade), 0), tick.LastTradeTime)
	assert.Equal(t, time.Unix(int64(exchangeTS), 0), tick.ExchangeTimestamp)

	assert.Equal(t, 1499.00, tick.Depth.Buy[0].Price)
	assert.Equal(t, uint32(10), tick.Depth.Buy[0].Quantity)
	assert.Equal(t, uint32(1), tick.Depth.Buy[0].Orders)
	assert.Equal(t, 1501.00, tick.Depth.Sell[0].Price)
	assert.Equal(t, uint32(24), tick.Depth.Sell[4].Quantity)
	assert.Equal(t, uint32(5), tick.Depth.Sell[4].Orders)
}

func TestDecodeIndexPackets(t *testing.T) {
	// Low byte 9 marks the indices segment.
	token := uint32(256265) // 256265 & 0xFF == 9

	quote := putU32(nil, token,
		2200050, // ltp
		2210000, // high
		2190000, // low
		2195000, // open
		2198000, // close
	)
	quote = putU32(quote, 2050) // wire change, ignored in favor of ltp-close
	require.Len(t, quote, 28)

	ticks, err := NewDecoder(nil).DecodeFrame(buildFrame(quote))
	require.NoError(t, err)
	require.Len(t, ticks, 1)

	tick := ticks[0]
	assert.Equal(t, models.ModeQuote, tick.Mode)
	assert.True(t, tick.IsIndex)
	assert.False(t, tick.IsTradable)
	assert.Equal(t, 22000.50, tick.LastPrice)
	assert.Equal(t, 22100.00, tick.OHLC.High)
	assert.Equal(t, 21980.00, tick.OHLC.Close)
	assert.InDelta(t, 20.50, tick.NetChange, 1e-9)

	full := putU32(quote, 1700000005)
	require.Len(t, full, 32)

	ticks, err = NewDecoder(nil).DecodeFrame(buildFrame(full))
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, models.ModeFull, ticks[0].Mode)
	assert.Equal(t, time.Unix(1700000005, 0), ticks[0].ExchangeTimestamp)
}

func TestDecodeUnknownLengthKeepsLTPPrefix(t *testing.T) {
	// 52 bytes matches no layout: the server has grown packets before, so
	// the decoder must keep the LTP prefix instead of failing.
	packet := ltpPacket(12345, 1505000)
	packet = append(packet, make([]byte, 44)...)
	require.Len(t, packet, 52)

	ticks, err := NewDecoder(nil).DecodeFrame(buildFrame(packet))
	require.NoError(t, err)
	require.Len(t, ticks, 1)

	tick := ticks[0]
	assert.True(t, tick.Partial)
	assert.Equal(t, models.ModeLTP, tick.Mode)
	assert.Equal(t, uint32(12345), tick.InstrumentToken)
	assert.Equal(t, 15050.00, tick.LastPrice)
}

func TestDecodeTruncatedFrameKeepsEarlierPackets(t *testing.T) {
	frame := buildFrame(ltpPacket(100, 5000), ltpPacket(200, 7000))
	frame = frame[:len(frame)-4] // cut into the second packet body

	ticks, err := NewDecoder(nil).DecodeFrame(frame)
	require.Error(t, err)

	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, 1, frameErr.Packet)

	require.Len(t, ticks, 1)
	assert.Equal(t, uint32(100), ticks[0].InstrumentToken)
}

func TestDecodeRuntPacketIsError(t *testing.T) {
	frame := buildFrame([]byte{0, 0, 1, 1}) // 4 bytes, below the LTP minimum

	ticks, err := NewDecoder(nil).DecodeFrame(frame)
	require.Error(t, err)
	assert.Empty(t, ticks)
}

func TestDecodeHeartbeat(t *testing.T) {
	ticks, err := NewDecoder(nil).DecodeFrame([]byte{0x00})
	require.NoError(t, err)
	assert.Empty(t, ticks)
}

func TestDecodeMultiPacketOrder(t *testing.T) {
	frame := buildFrame(
		ltpPacket(100, 1000),
		ltpPacket(200, 2000),
		ltpPacket(300, 3000),
	)

	ticks, err := NewDecoder(nil).DecodeFrame(frame)
	require.NoError(t, err)
	require.Len(t, ticks, 3)
	assert.Equal(t, uint32(100), ticks[0].InstrumentToken)
	assert.Equal(t, uint32(200), ticks[1].InstrumentToken)
	assert.Equal(t, uint32(300), ticks[2].InstrumentToken)
}

func TestSegmentDivisors(t *testing.T) {
	cases := []struct {
		name  string
		token uint32
		raw   uint32
		want  float64
	}{
		{"currency derivatives", 0x0100 | models.NseCD, 671234500, 67.12345},
		{"bse currency", 0x0100 | models.BseCD, 671234, 67.1234},
		{"equity default", 0x0100 | models.NseCM, 150050, 1500.50},
	}

	dec := NewDecoder(nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ticks, err := dec.DecodeFrame(buildFrame(ltpPacket(tc.token, tc.raw)))
			require.NoError(t, err)
			require.Len(t, ticks, 1)
			assert.InDelta(t, tc.want, ticks[0].LastPrice, 1e-9)
		})
	}
}

func TestDivisorTableOverride(t *testing.T) {
	custom := models.DivisorTable{models.NseCM: 1000.0}
	dec := NewDecoder(custom)

	ticks, err := dec.DecodeFrame(buildFrame(ltpPacket(0x0100|models.NseCM, 150500)))
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, 150.50, ticks[0].LastPrice)
}
