package kafka

import (
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	OrderID string `json:"order_id"`
	Qty     int    `json:"qty"`
}

func TestUnwrapPayload(t *testing.T) {
	raw := json.RawMessage(MustMarshal(sample{OrderID: "o-1", Qty: 3}))

	got, err := UnwrapPayload[sample](raw)
	require.NoError(t, err)
	assert.Equal(t, sample{OrderID: "o-1", Qty: 3}, got)

	_, err = UnwrapPayload[sample](json.RawMessage(`{"qty":"x"}`))
	assert.ErrorContains(t, err, "decode payload")
}

func TestMustMarshalPanicsOnUnsupportedValue(t *testing.T) {
	assert.Panics(t, func() { MustMarshal(make(chan int)) })
}

func TestHeader(t *testing.T) {
	m := kafka.Message{Headers: []kafka.Header{
		{Key: HeaderEventType, Value: []byte("OrderConfirmed")},
		{Key: HeaderEventVersion, Value: []byte("1")},
	}}
	assert.Equal(t, "OrderConfirmed", Header(m, HeaderEventType))
	assert.Equal(t, "1", Header(m, HeaderEventVersion))
	assert.Empty(t, Header(m, "missing"))
}
