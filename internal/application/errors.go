package application

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies failures so transports can map them without knowing use cases.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindGateway         Kind = "gateway"
	KindPersistence     Kind = "persistence"
	KindSignature       Kind = "signature"
	KindStockAdjustment Kind = "stock_adjustment"
	KindUnavailable     Kind = "unavailable"
	KindInternal        Kind = "internal"
)

// Side effects left behind by a failed step.
const (
	SideEffectIntentCreated        = "payment_intent_created"
	SideEffectIntentCancelled      = "payment_intent_cancelled"
	SideEffectIntentCancelFailed   = "payment_intent_cancel_failed"
	SideEffectOrderPersisted       = "order_persisted"
	SideEffectStockPartialAdjusted = "stock_partially_adjusted"
)

// Error is the error type returned by use cases. Code is a stable upper-snake
// identifier, the same value recorded as the span/log status.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	SideEffects []string
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.SideEffects) > 0 {
		fmt.Fprintf(&b, " (side effects: %s)", strings.Join(e.SideEffects, ","))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, code, msg string, err error, sideEffects ...string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg, Err: err, SideEffects: sideEffects}
}

func Validation(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the Code of the first *Error in err's chain, or "INTERNAL".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "INTERNAL"
}

// SideEffectsOf returns the side effects tagged on err, if any.
func SideEffectsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.SideEffects
	}
	return nil
}
