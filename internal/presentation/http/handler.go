package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
	appOrder "github.com/Zhima-Mochi/minishop-checkout/internal/application/order"
	appPayment "github.com/Zhima-Mochi/minishop-checkout/internal/application/payment"
	domainOrder "github.com/Zhima-Mochi/minishop-checkout/internal/domain/order"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability"
	"github.com/Zhima-Mochi/minishop-checkout/internal/observability/logctx"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"
	headerSignature      = "Stripe-Signature"
	maxBodyBytes         = 1 << 20
)

// UseCases are the application entry points served over HTTP.
type UseCases struct {
	Submit       application.UseCase[appOrder.SubmitOrderInput, *appOrder.SubmitOrderResult]
	Get          application.UseCase[appOrder.GetOrderInput, *domainOrder.Order]
	List         application.UseCase[appOrder.ListOrdersInput, []*domainOrder.Order]
	UpdateStatus application.UseCase[appOrder.UpdateStatusInput, *appOrder.UpdateStatusResult]
	Webhook      application.UseCase[appPayment.ReconcileWebhookInput, *appPayment.ReconcileWebhookResult]
}

type Handler struct {
	uc       UseCases
	auth     *Authenticator
	validate *validator.Validate
	metrics  http.Handler
	log      observability.Logger
	tel      observability.Observability
}

// NewHandler builds the HTTP surface. metrics, when set, is mounted at /metrics.
func NewHandler(uc UseCases, auth *Authenticator, metrics http.Handler, tel observability.Observability) *Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Handler{
		uc:       uc,
		auth:     auth,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  metrics,
		log:      tel.Logger().With(observability.F("component", componentHTTPHandler)),
		tel:      tel,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Each route: Trace → request logger + metrics → access log → auth → handler
	authed := h.auth.Middleware("")
	admin := h.auth.Middleware(RoleAdmin)

	h.handle(r, http.MethodPost, "/orders", authed(http.HandlerFunc(h.handleSubmitOrder)))
	h.handle(r, http.MethodGet, "/orders", authed(http.HandlerFunc(h.handleListOrders)))
	h.handle(r, http.MethodGet, "/orders/{id}", authed(http.HandlerFunc(h.handleGetOrder)))
	h.handle(r, http.MethodPatch, "/orders/{id}/status", admin(http.HandlerFunc(h.handleUpdateStatus)))
	h.handle(r, http.MethodPost, "/webhooks/payment", http.HandlerFunc(h.handleWebhook))
	h.handle(r, http.MethodGet, "/health", http.HandlerFunc(h.handleHealth))
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	return r
}

func (h *Handler) handle(r chi.Router, method, pattern string, handler http.Handler) {
	route := method + " " + pattern
	wrapped := h.withTrace(
		ObservabilityMiddleware(h.log, func(r *http.Request) string {
			return r.Header.Get(headerRequestID)
		}, h.tel)(
			h.withAccessLog(handler),
		),
	)
	r.Method(method, pattern, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		// Stable route template for low-cardinality labels
		wrapped.ServeHTTP(w, req.WithContext(contextWithRoute(req.Context(), route)))
	}))
}

type itemRequest struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
}

type addressRequest struct {
	FullName string `json:"fullName" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Address  string `json:"address" validate:"required"`
	City     string `json:"city" validate:"required"`
	State    string `json:"state"`
	Zip      string `json:"zip" validate:"required"`
	Country  string `json:"country" validate:"required"`
}

type submitOrderRequest struct {
	Items           []itemRequest  `json:"items" validate:"required,min=1,dive"`
	ShippingAddress addressRequest `json:"shippingAddress" validate:"required"`
}

type submitOrderResponse struct {
	Order        orderResponse `json:"order"`
	ClientSecret string        `json:"clientSecret"`
	// Warning is set when the order exists but stock could not be fully adjusted.
	Warning string `json:"warning,omitempty"`
}

func (h *Handler) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req submitOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	items := make([]appOrder.ItemInput, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, appOrder.ItemInput{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	a := req.ShippingAddress
	res, err := h.uc.Submit.Execute(r.Context(), appOrder.SubmitOrderInput{
		UserID: p.UserID,
		Items:  items,
		ShippingAddress: domainOrder.ShippingAddress{
			FullName: a.FullName, Email: a.Email, Address: a.Address,
			City: a.City, State: a.State, Zip: a.Zip, Country: a.Country,
		},
	})
	if err != nil {
		if res != nil && res.Order != nil && application.KindOf(err) == application.KindStockAdjustment {
			writeJSON(w, http.StatusAccepted, submitOrderResponse{
				Order:        toOrderResponse(res.Order),
				ClientSecret: res.ClientSecret,
				Warning:      application.CodeOf(err),
			})
			return
		}
		writeUseCaseError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitOrderResponse{
		Order:        toOrderResponse(res.Order),
		ClientSecret: res.ClientSecret,
	})
}

func (h *Handler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	orders, err := h.uc.List.Execute(r.Context(), appOrder.ListOrdersInput{UserID: p.UserID})
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	o, err := h.uc.Get.Execute(r.Context(), appOrder.GetOrderInput{UserID: p.UserID, OrderID: chi.URLParam(r, "id")})
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

type updateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending processing completed cancelled"`
}

type updateStatusResponse struct {
	Order   orderResponse `json:"order"`
	Changed bool          `json:"changed"`
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.uc.UpdateStatus.Execute(r.Context(), appOrder.UpdateStatusInput{
		OrderID: chi.URLParam(r, "id"),
		Status:  req.Status,
	})
	if err != nil {
		writeUseCaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updateStatusResponse{Order: toOrderResponse(res.Order), Changed: res.Changed})
}

// handleWebhook answers 200 for every verified event, including ones it chose not
// to apply, so the gateway stops redelivering. Store failures answer 500 to get a retry.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BODY_UNREADABLE", "could not read request body")
		return
	}
	res, err := h.uc.Webhook.Execute(r.Context(), appPayment.ReconcileWebhookInput{
		Payload:   payload,
		Signature: r.Header.Get(headerSignature),
	})
	if err != nil {
		if appPayment.IsSignatureError(err) {
			writeError(w, http.StatusBadRequest, "SIGNATURE_INVALID", "webhook signature verification failed")
			return
		}
		writeUseCaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": res.Outcome})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body into dst and validates it, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "BODY_INVALID", "malformed JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "REQUEST_INVALID", describeValidation(err))
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// withAccessLog writes a single access log after the handler completes.
// It relies on the request-scoped logger already injected by ObservabilityMiddleware.
func (h *Handler) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		logctx.FromOr(r.Context(), h.log).Info("http_access",
			observability.F("method", r.Method),
			observability.F("route", routeFromContext(r.Context())),
			observability.F("path", r.URL.Path),
			observability.F("status", lrw.status),
			observability.F("latency_ms", time.Since(start).Milliseconds()),
		)
	})
}

// withTrace creates a server span for the request using OTel and W3C propagation.
func (h *Handler) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracer := otel.Tracer("minishop.http")
		parentCtx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		route := routeFromContext(parentCtx)
		template := route
		if idx := strings.Index(template, " "); idx >= 0 {
			template = template[idx+1:]
		}

		ctxWithSpan, span := tracer.Start(parentCtx,
			route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", template),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctxWithSpan))
	})
}

type routeKey struct{}

// contextWithRoute stores the stable route template in the context so downstream
// metrics/logging can rely on low-cardinality values.
func contextWithRoute(ctx context.Context, route string) context.Context {
	if route == "" {
		return ctx
	}
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFromContext(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if route, ok := ctx.Value(routeKey{}).(string); ok && route != "" {
		return route
	}
	return "unknown"
}
