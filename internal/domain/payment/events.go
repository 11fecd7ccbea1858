package payment

import "time"

// IntentUnmatchedEvent is emitted when a verified gateway event references an intent
// no order is attached to yet. Attempt counts deferred lookups already performed.
type IntentUnmatchedEvent struct {
	EventID    string    `json:"eventId"`
	IntentID   string    `json:"intentId"`
	Type       EventType `json:"type"`
	Attempt    int       `json:"attempt"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (IntentUnmatchedEvent) EventName() string { return "payment.intent_unmatched" }

func NewIntentUnmatchedEvent(e Event, attempt int) IntentUnmatchedEvent {
	return IntentUnmatchedEvent{
		EventID:    e.ID,
		IntentID:   e.IntentID,
		Type:       e.Type,
		Attempt:    attempt,
		OccurredAt: time.Now().UTC(),
	}
}
