package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := New(zap.NewNop())

	var order []int
	b.Subscribe("test.topic", func(data any) { order = append(order, 1) })
	b.Subscribe("test.topic", func(data any) { order = append(order, 2) })
	b.Subscribe("test.topic", func(data any) { order = append(order, 3) })

	b.Publish("test.topic", nil)

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPublishIsolatesPanickingHandler(t *testing.T) {
	b := New(zap.NewNop())

	delivered := false
	b.Subscribe("test.topic", func(data any) { panic("boom") })
	b.Subscribe("test.topic", func(data any) { delivered = true })

	require.NotPanics(t, func() { b.Publish("test.topic", "payload") })
	assert.True(t, delivered, "handler after the panicking one must still run")
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := New(zap.NewNop())
	require.NotPanics(t, func() { b.Publish("nobody.home", 42) })
}

func TestSubscriberCount(t *testing.T) {
	b := New(zap.NewNop())
	assert.Equal(t, 0, b.SubscriberCount("test.topic"))

	b.Subscribe("test.topic", func(data any) {})
	b.Subscribe("test.topic", func(data any) {})
	assert.Equal(t, 2, b.SubscriberCount("test.topic"))
}

func TestHandlerReceivesPayload(t *testing.T) {
	b := New(zap.NewNop())

	var got any
	b.Subscribe("test.topic", func(data any) { got = data })
	b.Publish("test.topic", "hello")

	assert.Equal(t, "hello", got)
}
