package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	appOrder "github.com/Zhima-Mochi/minishop-checkout/internal/application/order"
	appPayment "github.com/Zhima-Mochi/minishop-checkout/internal/application/payment"
	domainOrder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	dompay "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type fakeUseCase[C any, R any] struct {
	calls int
	last  C
	fn    func(C) (R, error)
}

func (f *fakeUseCase[C, R]) Execute(_ context.Context, cmd C) (R, error) {
	f.calls++
	f.last = cmd
	return f.fn(cmd)
}

func sampleOrder(t *testing.T, userID string) *domainOrder.Order {
	t.Helper()
	o, err := domainOrder.New("o-1", userID, []domainOrder.Item{
		{ID: "i-1", ProductID: "P1", Quantity: 2, Price: decimal.RequireFromString("19.99")},
	}, domainOrder.ShippingAddress{FullName: "Ann", Email: "ann@example.com", Address: "1 Road", City: "Town", Zip: "1000", Country: "US"})
	require.NoError(t, err)
	require.NoError(t, o.AttachPaymentIntent("pi_1"))
	return o
}

type testServer struct {
	submit  *fakeUseCase[appOrder.SubmitOrderInput, *appOrder.SubmitOrderResult]
	get     *fakeUseCase[appOrder.GetOrderInput, *domainOrder.Order]
	list    *fakeUseCase[appOrder.ListOrdersInput, []*domainOrder.Order]
	update  *fakeUseCase[appOrder.UpdateStatusInput, *appOrder.UpdateStatusResult]
	webhook *fakeUseCase[appPayment.ReconcileWebhookInput, *appPayment.ReconcileWebhookResult]
	auth    *Authenticator
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	order := sampleOrder(t, "alice")
	s := &testServer{
		submit: &fakeUseCase[appOrder.SubmitOrderInput, *appOrder.SubmitOrderResult]{fn: func(appOrder.SubmitOrderInput) (*appOrder.SubmitOrderResult, error) {
			return &appOrder.SubmitOrderResult{Order: order, ClientSecret: "pi_1_secret"}, nil
		}},
		get: &fakeUseCase[appOrder.GetOrderInput, *domainOrder.Order]{fn: func(appOrder.GetOrderInput) (*domainOrder.Order, error) {
			return order, nil
		}},
		list: &fakeUseCase[appOrder.ListOrdersInput, []*domainOrder.Order]{fn: func(appOrder.ListOrdersInput) ([]*domainOrder.Order, error) {
			return []*domainOrder.Order{order}, nil
		}},
		update: &fakeUseCase[appOrder.UpdateStatusInput, *appOrder.UpdateStatusResult]{fn: func(appOrder.UpdateStatusInput) (*appOrder.UpdateStatusResult, error) {
			return &appOrder.UpdateStatusResult{Order: order, Changed: true}, nil
		}},
		webhook: &fakeUseCase[appPayment.ReconcileWebhookInput, *appPayment.ReconcileWebhookResult]{fn: func(appPayment.ReconcileWebhookInput) (*appPayment.ReconcileWebhookResult, error) {
			return &appPayment.ReconcileWebhookResult{Outcome: appPayment.OutcomeApplied}, nil
		}},
		auth: NewAuthenticator(testSecret),
	}
	h := NewHandler(UseCases{
		Submit:       s.submit,
		Get:          s.get,
		List:         s.list,
		UpdateStatus: s.update,
		Webhook:      s.webhook,
	}, s.auth, nil, nil)
	s.router = h.Router()
	return s
}

func (s *testServer) do(t *testing.T, method, path, body, userID, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		token, err := s.auth.IssueToken(userID, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

const validSubmit = `{
	"items": [{"productId": "P1", "quantity": 2}],
	"shippingAddress": {"fullName": "Ann", "email": "ann@example.com", "address": "1 Road", "city": "Town", "zip": "1000", "country": "US"}
}`

func TestSubmitOrderRequiresToken(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/orders", validSubmit, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, s.submit.calls)
}

func TestSubmitOrderRejectsForgedToken(t *testing.T) {
	s := newTestServer(t)
	token, err := NewAuthenticator("other-secret").IssueToken("alice", "", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(validSubmit))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, s.submit.calls)
}

func TestSubmitOrderCreated(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/orders", validSubmit, "alice", "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	assert.Equal(t, "alice", s.submit.last.UserID)
	require.Len(t, s.submit.last.Items, 1)
	assert.Equal(t, 2, s.submit.last.Items[0].Quantity)
	assert.Equal(t, "ann@example.com", s.submit.last.ShippingAddress.Email)

	var body struct {
		Order struct {
			ID          string `json:"id"`
			TotalAmount string `json:"totalAmount"`
			Status      string `json:"status"`
		} `json:"order"`
		ClientSecret string `json:"clientSecret"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "o-1", body.Order.ID)
	assert.Equal(t, "39.98", body.Order.TotalAmount)
	assert.Equal(t, "pending", body.Order.Status)
	assert.Equal(t, "pi_1_secret", body.ClientSecret)
}

func TestSubmitOrderValidatesBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"items":`},
		{"no items", `{"items": [], "shippingAddress": {"fullName": "Ann", "email": "ann@example.com", "address": "1 Road", "city": "Town", "zip": "1", "country": "US"}}`},
		{"zero quantity", `{"items": [{"productId": "P1", "quantity": 0}], "shippingAddress": {"fullName": "Ann", "email": "ann@example.com", "address": "1 Road", "city": "Town", "zip": "1", "country": "US"}}`},
		{"bad email", `{"items": [{"productId": "P1", "quantity": 1}], "shippingAddress": {"fullName": "Ann", "email": "nope", "address": "1 Road", "city": "Town", "zip": "1", "country": "US"}}`},
		{"unknown field", `{"items": [{"productId": "P1", "quantity": 1, "price": 0.01}], "shippingAddress": {"fullName": "Ann", "email": "ann@example.com", "address": "1 Road", "city": "Town", "zip": "1", "country": "US"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(t, http.MethodPost, "/orders", tt.body, "alice", "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, s.submit.calls)
		})
	}
}

func TestSubmitOrderStockFailureIsAccepted(t *testing.T) {
	s := newTestServer(t)
	order := sampleOrder(t, "alice")
	s.submit.fn = func(appOrder.SubmitOrderInput) (*appOrder.SubmitOrderResult, error) {
		return &appOrder.SubmitOrderResult{Order: order, ClientSecret: "secret"},
			application.NewError(application.KindStockAdjustment, "STOCK_ADJUSTMENT_PENDING", "stock pending", errors.New("timeout"))
	}

	rec := s.do(t, http.MethodPost, "/orders", validSubmit, "alice", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"clientSecret":"secret"`)
	assert.Contains(t, rec.Body.String(), `"warning":"STOCK_ADJUSTMENT_PENDING"`)
}

func TestSubmitOrderErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{"validation", application.Validation("INSUFFICIENT_STOCK", "not enough stock for P1"), http.StatusBadRequest, "not enough stock for P1"},
		{"gateway", application.NewError(application.KindGateway, "PAYMENT_INTENT_FAILED", "secret detail", errors.New("boom")), http.StatusBadGateway, "PAYMENT_INTENT_FAILED"},
		{"persistence", application.NewError(application.KindPersistence, "ORDER_PERSIST_FAILED", "secret detail", errors.New("boom")), http.StatusInternalServerError, "ORDER_PERSIST_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.submit.fn = func(appOrder.SubmitOrderInput) (*appOrder.SubmitOrderResult, error) { return nil, tt.err }
			rec := s.do(t, http.MethodPost, "/orders", validSubmit, "alice", "")
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
			if tt.wantStatus >= 500 {
				assert.NotContains(t, rec.Body.String(), "secret detail")
			}
		})
	}
}

func TestGetAndListOrders(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/orders/o-1", "", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, appOrder.GetOrderInput{UserID: "alice", OrderID: "o-1"}, s.get.last)
	assert.Contains(t, rec.Body.String(), `"paymentIntentId":"pi_1"`)

	rec = s.do(t, http.MethodGet, "/orders", "", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	s.get.fn = func(appOrder.GetOrderInput) (*domainOrder.Order, error) {
		return nil, application.NewError(application.KindNotFound, "ORDER_NOT_FOUND", "order not found", appOrder.ErrNotFound)
	}
	rec = s.do(t, http.MethodGet, "/orders/o-2", "", "alice", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateStatusRequiresAdmin(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPatch, "/orders/o-1/status", `{"status":"cancelled"}`, "alice", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, s.update.calls)

	rec = s.do(t, http.MethodPatch, "/orders/o-1/status", `{"status":"shipped"}`, "root", RoleAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPatch, "/orders/o-1/status", `{"status":"cancelled"}`, "root", RoleAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, appOrder.UpdateStatusInput{OrderID: "o-1", Status: "cancelled"}, s.update.last)
	assert.Contains(t, rec.Body.String(), `"changed":true`)
}

func TestWebhook(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set(headerSignature, "t=1,v1=abc")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"received":true`)
	assert.Equal(t, `{"id":"evt_1"}`, string(s.webhook.last.Payload))
	assert.Equal(t, "t=1,v1=abc", s.webhook.last.Signature)
}

func TestWebhookErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"bad signature", application.NewError(application.KindSignature, "SIGNATURE_INVALID", "webhook rejected", dompay.ErrSignature), http.StatusBadRequest},
		{"store down", application.NewError(application.KindPersistence, "ORDER_LOOKUP_FAILED", "lookup", errors.New("down")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.webhook.fn = func(appPayment.ReconcileWebhookInput) (*appPayment.ReconcileWebhookResult, error) { return nil, tt.err }
			rec := s.do(t, http.MethodPost, "/webhooks/payment", `{}`, "", "")
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHealthEchoesRequestID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(headerRequestID, "req-42")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get(headerRequestID))
}
