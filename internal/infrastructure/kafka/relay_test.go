package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	domorder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSubscriber struct {
	handlers map[string]domoutbox.Handler
}

func (s *captureSubscriber) Subscribe(name string, h domoutbox.Handler) {
	if s.handlers == nil {
		s.handlers = map[string]domoutbox.Handler{}
	}
	s.handlers[name] = h
}

func TestRelayWritesEnvelopeKeyedByOrder(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, DefaultTopic, msg.Topic)
		key, err := msg.Key.Encode()
		require.NoError(t, err)
		assert.Equal(t, "o-1", string(key))

		value, err := msg.Value.Encode()
		require.NoError(t, err)
		var env struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(value, &env))
		assert.Equal(t, "order.paid", env.Event)
		assert.Contains(t, string(env.Payload), `"paymentIntentId":"pi_1"`)
		return nil
	})

	sub := &captureSubscriber{}
	relay := NewRelay(NewProducerFrom(sp), sub, "", nil)
	relay.Start()
	require.Len(t, sub.handlers, len(RelayedEvents))

	err := sub.handlers["order.paid"](context.Background(), domorder.OrderPaidEvent{OrderID: "o-1", PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	require.NoError(t, sp.Close())
}

func TestRelayReturnsProducerErrors(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sub := &captureSubscriber{}
	NewRelay(NewProducerFrom(sp), sub, "events", nil).Start()

	err := sub.handlers["order.created"](context.Background(), domorder.OrderCreatedEvent{OrderID: "o-1"})
	assert.True(t, errors.Is(err, sarama.ErrOutOfBrokers))
	require.NoError(t, sp.Close())
}

func TestOrderKeyFallsBackToEmpty(t *testing.T) {
	assert.Equal(t, "o-9", orderKey(domorder.OrderStatusChangedEvent{OrderID: "o-9"}))
	assert.Empty(t, orderKey(struct{ domoutbox.Event }{}))
}
