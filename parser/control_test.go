package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kite_clickhouse/models"
)

func TestEncodeSubscribe(t *testing.T) {
	msg, err := EncodeSubscribe([]uint32{408065, 738561})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"subscribe","v":[408065,738561]}`, string(msg))
}

func TestEncodeUnsubscribe(t *testing.T) {
	msg, err := EncodeUnsubscribe([]uint32{408065})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"unsubscribe","v":[408065]}`, string(msg))
}

func TestEncodeSetMode(t *testing.T) {
	msg, err := EncodeSetMode(models.ModeFull, []uint32{408065, 738561})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"mode","v":["full",[408065,738561]]}`, string(msg))
}

func TestParseOrderUpdate(t *testing.T) {
	payload := `{
		"type": "order",
		"data": {
			"order_id": "151220000000000",
			"status": "COMPLETE",
			"tradingsymbol": "INFY",
			"instrument_token": 408065,
			"filled_quantity": 10,
			"average_price": 1500.5
		}
	}`

	in, err := ParseTextMessage([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, KindOrderUpdate, in.Kind)
	require.NotNil(t, in.Order)
	assert.Equal(t, "151220000000000", in.Order.OrderID)
	assert.Equal(t, "COMPLETE", in.Order.Status)
	assert.Equal(t, uint32(408065), in.Order.InstrumentToken)
	assert.Equal(t, uint32(10), in.Order.FilledQuantity)
	assert.Equal(t, 1500.5, in.Order.AveragePrice)
}

func TestParseErrorMessage(t *testing.T) {
	in, err := ParseTextMessage([]byte(`{"type":"error","data":"invalid token"}`))
	require.NoError(t, err)
	assert.Equal(t, KindError, in.Kind)
	assert.Equal(t, "invalid token", in.Text)
}

func TestParseErrorMessageStructuredData(t *testing.T) {
	in, err := ParseTextMessage([]byte(`{"type":"error","data":{"code":403}}`))
	require.NoError(t, err)
	assert.Equal(t, KindError, in.Kind)
	assert.JSONEq(t, `{"code":403}`, in.Text)
}

func TestParseInformationalMessage(t *testing.T) {
	in, err := ParseTextMessage([]byte(`{"type":"message","data":"market closing"}`))
	require.NoError(t, err)
	assert.Equal(t, KindMessage, in.Kind)
	assert.Equal(t, "market closing", in.Text)
}

func TestParseUnknownType(t *testing.T) {
	_, err := ParseTextMessage([]byte(`{"type":"mystery","data":"x"}`))
	assert.Error(t, err)
}

func TestParseGarbage(t *testing.T) {
	_, err := ParseTextMessage([]byte(`not json`))
	assert.Error(t, err)
}
