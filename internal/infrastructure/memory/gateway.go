package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	dompay "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/infrastructure/stripe"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Gateway is a local stand-in for the payment provider. Intents live in memory and
// webhooks use the same signing scheme as the Stripe adapter.
type Gateway struct {
	mu        sync.Mutex
	intents   map[string]*dompay.Intent
	createErr error
	cancelErr error
	tolerance time.Duration
}

var _ dompay.Gateway = (*Gateway)(nil)

func NewGateway() *Gateway {
	return &Gateway{
		intents:   make(map[string]*dompay.Intent),
		tolerance: stripe.DefaultTolerance,
	}
}

// FailCreate makes subsequent CreateIntent calls fail with err (nil clears it).
func (g *Gateway) FailCreate(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createErr = err
}

// FailCancel makes subsequent CancelIntent calls fail with err (nil clears it).
func (g *Gateway) FailCancel(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelErr = err
}

func (g *Gateway) CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (*dompay.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", dompay.ErrGateway, err)
	}
	if dompay.ToMinorUnits(amount, currency) <= 0 {
		return nil, fmt.Errorf("%w: %w", dompay.ErrGateway, dompay.ErrInvalidAmount)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, fmt.Errorf("%w: %w", dompay.ErrGateway, g.createErr)
	}
	id := "pi_" + uuid.NewString()
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	intent := &dompay.Intent{
		ID:           id,
		ClientSecret: id + "_secret_" + uuid.NewString(),
		Amount:       amount,
		Currency:     currency,
		Status:       dompay.IntentRequiresPaymentMethod,
		Metadata:     meta,
	}
	g.intents[id] = intent
	out := *intent
	return &out, nil
}

func (g *Gateway) CancelIntent(ctx context.Context, intentID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", dompay.ErrGateway, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return fmt.Errorf("%w: %w", dompay.ErrGateway, g.cancelErr)
	}
	intent, ok := g.intents[intentID]
	if !ok {
		return dompay.ErrIntentNotFound
	}
	if intent.Status == dompay.IntentSucceeded {
		return fmt.Errorf("%w: intent %s already succeeded", dompay.ErrGateway, intentID)
	}
	intent.Status = dompay.IntentCanceled
	return nil
}

func (g *Gateway) GetIntent(ctx context.Context, intentID string) (*dompay.Intent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", dompay.ErrGateway, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return nil, dompay.ErrIntentNotFound
	}
	out := *intent
	return &out, nil
}

func (g *Gateway) VerifyWebhook(payload []byte, signature, secret string) (*dompay.Event, error) {
	return stripe.ConstructEvent(payload, signature, secret, g.tolerance)
}

// SetStatus moves an intent to status, as the provider would after customer action.
func (g *Gateway) SetStatus(intentID string, status dompay.IntentStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return dompay.ErrIntentNotFound
	}
	intent.Status = status
	return nil
}

// Intents returns a snapshot of every intent created so far.
func (g *Gateway) Intents() []dompay.Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]dompay.Intent, 0, len(g.intents))
	for _, in := range g.intents {
		out = append(out, *in)
	}
	return out
}
