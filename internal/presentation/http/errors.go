package httppresentation

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Zhima-Mochi/minishop-checkout/internal/application"
)

type errorBody struct {
	Error       string   `json:"error"`
	Code        string   `json:"code"`
	SideEffects []string `json:"sideEffects,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// statusFor maps a use case error kind to an HTTP status.
func statusFor(kind application.Kind) int {
	switch kind {
	case application.KindValidation, application.KindSignature:
		return http.StatusBadRequest
	case application.KindNotFound:
		return http.StatusNotFound
	case application.KindConflict:
		return http.StatusConflict
	case application.KindStockAdjustment:
		return http.StatusAccepted
	case application.KindGateway:
		return http.StatusBadGateway
	case application.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeUseCaseError writes err as the response. Internal details are only exposed
// for client-side kinds.
func writeUseCaseError(w http.ResponseWriter, err error) {
	kind := application.KindOf(err)
	status := statusFor(kind)
	msg := http.StatusText(status)
	switch kind {
	case application.KindValidation, application.KindNotFound, application.KindConflict:
		var ae *application.Error
		if errors.As(err, &ae) && ae.Message != "" {
			msg = ae.Message
		}
	}
	writeJSON(w, status, errorBody{
		Error:       msg,
		Code:        application.CodeOf(err),
		SideEffects: application.SideEffectsOf(err),
	})
}
