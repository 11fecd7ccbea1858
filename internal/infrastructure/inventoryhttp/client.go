package inventoryhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	dominv "github.com/Zhima-Mochi/minishop-checkout/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
	"github.com/Zhima-Mochi/minishop-checkout/internal/pkg/breaker"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	componentName = "inventory_client"
	maxBodyBytes  = 1 << 20
)

type Config struct {
	BaseURL string
	// ServiceToken is sent as a bearer token on every request.
	ServiceToken string
	HTTPClient   *http.Client
}

// Client calls the product service that owns stock. Configuration is fixed at
// construction and requests never mutate shared headers.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	log     observability.Logger
}

var _ dominv.Client = (*Client)(nil)

// StatusError is a non-2xx answer from the product service.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inventory service: %d: %s", e.Status, e.Message)
}

func New(cfg Config, logger observability.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("inventory client: base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	logger = logger.With(observability.F("component", componentName))
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.ServiceToken,
		http:    cfg.HTTPClient,
		log:     logger,
		cb: breaker.New(breaker.Settings{
			Name: componentName,
			IsSuccessful: func(err error) bool {
				var se *StatusError
				return err == nil || (errors.As(err, &se) && se.Status < 500)
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

type productResponse struct {
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

func (c *Client) GetProduct(ctx context.Context, id string) (*dominv.Product, error) {
	var out productResponse
	if err := c.do(ctx, http.MethodGet, "/products/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &dominv.Product{ID: id, Name: out.Name, Price: out.Price, Stock: out.Stock}, nil
}

func (c *Client) AdjustStock(ctx context.Context, id string, delta int) error {
	if delta == 0 {
		return dominv.ErrInvalidQuantity
	}
	return c.do(ctx, http.MethodPut, "/products/"+url.PathEscape(id)+"/stock", map[string]int{"quantity": delta}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	_, err := breaker.Execute(c.cb, func() (struct{}, error) {
		return struct{}{}, c.roundTrip(ctx, method, path, in, out)
	})
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Status {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", dominv.ErrNotFound, err)
		case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
			if method == http.MethodPut {
				return fmt.Errorf("%w: %w", dominv.ErrInsufficientStock, err)
			}
		}
	}
	logctx.FromOr(ctx, c.log).Warn("inventory_request_failed",
		observability.F("method", method),
		observability.F("path", path),
		observability.F("error", err.Error()),
	)
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
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
			Message string `json:"message"`
		}
		_ = json.Unmarshal(data, &envelope)
		return &StatusError{Status: resp.StatusCode, Message: envelope.Message}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
