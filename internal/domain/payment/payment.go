package payment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrGateway        = errors.New("payment: gateway failure")
	ErrSignature      = errors.New("payment: invalid webhook signature")
	ErrIntentNotFound = errors.New("payment: intent not found")
	ErrInvalidAmount  = errors.New("payment: amount must be greater than zero")
)

type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentSucceeded             IntentStatus = "succeeded"
	IntentCanceled              IntentStatus = "canceled"
)

// Intent is the gateway's authorization handle for one checkout.
type Intent struct {
	ID           string
	ClientSecret string
	Amount       decimal.Decimal
	Currency     string
	Status       IntentStatus
	Metadata     map[string]string
}

type EventType string

const (
	EventIntentSucceeded EventType = "payment_intent.succeeded"
	EventIntentFailed    EventType = "payment_intent.payment_failed"
	EventIntentCanceled  EventType = "payment_intent.canceled"
)

// Event is a verified asynchronous notification from the gateway.
type Event struct {
	ID       string
	Type     EventType
	IntentID string
	Created  time.Time
}

// Gateway is the narrow contract with the payment provider.
type Gateway interface {
	CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (*Intent, error)
	CancelIntent(ctx context.Context, intentID string) error
	GetIntent(ctx context.Context, intentID string) (*Intent, error)
	// VerifyWebhook authenticates payload against signature and secret; failures wrap ErrSignature.
	VerifyWebhook(payload []byte, signature, secret string) (*Event, error)
}

// minorUnitExponents lists currencies whose smallest unit is not a hundredth.
var minorUnitExponents = map[string]int32{
	"bif": 0, "clp": 0, "djf": 0, "gnf": 0, "jpy": 0, "kmf": 0, "krw": 0, "mga": 0,
	"pyg": 0, "rwf": 0, "ugx": 0, "vnd": 0, "vuv": 0, "xaf": 0, "xof": 0, "xpf": 0,
	"bhd": 3, "jod": 3, "kwd": 3, "omr": 3, "tnd": 3,
}

// MinorUnitExponent is the number of decimal places of currency's smallest unit.
func MinorUnitExponent(currency string) int32 {
	if exp, ok := minorUnitExponents[strings.ToLower(strings.TrimSpace(currency))]; ok {
		return exp
	}
	return 2
}

// ToMinorUnits converts a decimal amount to the smallest unit of currency
// (cents for usd, yen for jpy).
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(MinorUnitExponent(currency)).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -MinorUnitExponent(currency))
}
