package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	dompay "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
	"github.com/Zhima-Mochi/minishop-checkout/internal/pkg/breaker"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	DefaultBaseURL = "https://api.stripe.com"
	componentName  = "stripe_client"
	maxBodyBytes   = 1 << 20
)

type Config struct {
	APIKey    string
	BaseURL   string
	Tolerance time.Duration
	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
}

// Client talks to the Stripe PaymentIntents API. The API key is fixed at
// construction; nothing in the client is mutated per request.
type Client struct {
	apiKey    string
	baseURL   string
	tolerance time.Duration
	http      *http.Client
	cb        *gobreaker.CircuitBreaker
	log       observability.Logger
}

var _ dompay.Gateway = (*Client)(nil)

func New(cfg Config, logger observability.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("stripe: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	logger = logger.With(observability.F("component", componentName))
	return &Client{
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		tolerance: cfg.Tolerance,
		http:      cfg.HTTPClient,
		log:       logger,
		cb: breaker.New(breaker.Settings{
			Name: componentName,
			IsSuccessful: func(err error) bool {
				var apiErr *APIError
				return err == nil || (errors.As(err, &apiErr) && apiErr.Status < 500)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit_breaker_state_changed",
					observability.F("breaker", name),
					observability.F("from", from.String()),
					observability.F("to", to.String()),
				)
			},
		}),
	}, nil
}

// APIError is the decoded Stripe error envelope.
type APIError struct {
	Status  int
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stripe: %d %s: %s", e.Status, e.Type, e.Message)
}

type intentResponse struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
}

func (r intentResponse) toDomain() *dompay.Intent {
	return &dompay.Intent{
		ID:           r.ID,
		ClientSecret: r.ClientSecret,
		Amount:       dompay.FromMinorUnits(r.Amount, r.Currency),
		Currency:     r.Currency,
		Status:       dompay.IntentStatus(r.Status),
		Metadata:     r.Metadata,
	}
}

// CreateIntent creates a PaymentIntent. When metadata carries an orderId it is used
// as the Idempotency-Key so a retried create never authorizes twice.
func (c *Client) CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (*dompay.Intent, error) {
	minor := dompay.ToMinorUnits(amount, currency)
	if minor <= 0 {
		return nil, fmt.Errorf("%w: %w", dompay.ErrGateway, dompay.ErrInvalidAmount)
	}
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(minor, 10))
	form.Set("currency", strings.ToLower(currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	for k, v := range metadata {
		form.Set("metadata["+k+"]", v)
	}

	var out intentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", form, metadata["orderId"], &out); err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

func (c *Client) CancelIntent(ctx context.Context, intentID string) error {
	var out intentResponse
	return c.do(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(intentID)+"/cancel", url.Values{}, "", &out)
}

func (c *Client) GetIntent(ctx context.Context, intentID string) (*dompay.Intent, error) {
	var out intentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), nil, "", &out); err != nil {
		return nil, err
	}
	return out.toDomain(), nil
}

func (c *Client) VerifyWebhook(payload []byte, signature, secret string) (*dompay.Event, error) {
	return ConstructEvent(payload, signature, secret, c.tolerance)
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	_, err := breaker.Execute(c.cb, func() (struct{}, error) {
		return struct{}{}, c.roundTrip(ctx, method, path, form, idempotencyKey, out)
	})
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %w", dompay.ErrIntentNotFound, err)
	}
	logctx.FromOr(ctx, c.log).Warn("stripe_request_failed",
		observability.F("method", method),
		observability.F("path", path),
		observability.F("error", err.Error()),
	)
	return fmt.Errorf("%w: %w", dompay.ErrGateway, err)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		_ = json.Unmarshal(data, &envelope)
		envelope.Error.Status = resp.StatusCode
		return &envelope.Error
	}
	return json.Unmarshal(data, out)
}
