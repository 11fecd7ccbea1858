package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	domoutbox "github.com/Zhima-Mochi/minishop-checkout/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
)

const (
	DefaultTopic = "order_events"
	peerKafka    = "kafka"
)

// RelayedEvents are the bus events forwarded to Kafka.
var RelayedEvents = []string{
	"order.created",
	"order.paid",
	"order.payment_failed",
	"order.status_changed",
	"inventory.stock_adjusted",
	"inventory.stock_adjustment_failed",
}

// Envelope is the record value written to the topic.
type Envelope struct {
	Event   string          `json:"event"`
	Payload domoutbox.Event `json:"payload"`
}

type sender interface {
	Produce(ctx context.Context, topic, key string, message any) (int32, int64, error)
}

// Relay forwards bus events to a Kafka topic keyed by order id, so every event of
// one order lands on the same partition.
type Relay struct {
	producer   sender
	subscriber domoutbox.Subscriber
	topic      string
	events     []string
	log        observability.Logger
	ext        application.ExternalObserver
}

func NewRelay(producer sender, subscriber domoutbox.Subscriber, topic string, tel observability.Observability) *Relay {
	tel = application.Resolve(tel)
	if topic == "" {
		topic = DefaultTopic
	}
	return &Relay{
		producer:   producer,
		subscriber: subscriber,
		topic:      topic,
		events:     RelayedEvents,
		log:        tel.Logger().With(observability.F("component", "kafka_relay")),
		ext:        application.NewExternalObserver(tel.Metrics()),
	}
}

func (r *Relay) Start() {
	if r.producer == nil || r.subscriber == nil {
		return
	}
	for _, name := range r.events {
		r.subscriber.Subscribe(name, r.handle)
	}
}

func (r *Relay) handle(ctx context.Context, e domoutbox.Event) error {
	start := time.Now()
	partition, offset, err := r.producer.Produce(ctx, r.topic, orderKey(e), Envelope{Event: e.EventName(), Payload: e})
	r.ext.Observe(peerKafka, e.EventName(), start, err)

	logger := logctx.FromOr(ctx, r.log)
	if err != nil {
		logger.Error("event_relay_failed",
			observability.F("topic", r.topic),
			observability.F("error", err.Error()),
		)
		return err
	}
	logger.Debug("event_relayed",
		observability.F("topic", r.topic),
		observability.F("partition", partition),
		observability.F("offset", offset),
	)
	return nil
}

func orderKey(e domoutbox.Event) string {
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	var keyed struct {
		OrderID string `json:"orderId"`
	}
	_ = json.Unmarshal(data, &keyed)
	return keyed.OrderID
}
