package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	dompay "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
)

// DefaultTolerance is the maximum accepted age of a signed webhook.
const DefaultTolerance = 5 * time.Minute

const signingVersion = "v1"

// Sign builds a Stripe-Signature header value for payload at ts.
func Sign(payload []byte, secret string, ts time.Time) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + "," + signingVersion + "=" + computeSignature(t, payload, secret)
}

// VerifySignature checks a "t=..,v1=.." header against payload. Any v1 entry may
// match, which allows secret rotation on the sender side.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: webhook secret not configured", dompay.ErrSignature)
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case signingVersion:
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed signature header", dompay.ErrSignature)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", dompay.ErrSignature)
	}
	if tolerance > 0 && now.Sub(time.Unix(unix, 0)) > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", dompay.ErrSignature)
	}

	expected, _ := hex.DecodeString(computeSignature(ts, payload, secret))
	for _, s := range sigs {
		got, err := hex.DecodeString(s)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, got) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", dompay.ErrSignature)
}

func computeSignature(ts string, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type webhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID     string `json:"id"`
			Object string `json:"object"`
		} `json:"object"`
	} `json:"data"`
}

// ConstructEvent verifies the signature and decodes the event envelope.
func ConstructEvent(payload []byte, header, secret string, tolerance time.Duration) (*dompay.Event, error) {
	if err := VerifySignature(payload, header, secret, tolerance, time.Now()); err != nil {
		return nil, err
	}
	var raw webhookEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode event: %w", dompay.ErrSignature, err)
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", dompay.ErrSignature)
	}
	return &dompay.Event{
		ID:       raw.ID,
		Type:     dompay.EventType(raw.Type),
		IntentID: raw.Data.Object.ID,
		Created:  time.Unix(raw.Created, 0).UTC(),
	}, nil
}

// EventPayload renders a webhook body for an intent event.
func EventPayload(eventID string, typ dompay.EventType, intentID string, created time.Time) []byte {
	var raw webhookEvent
	raw.ID = eventID
	raw.Type = string(typ)
	raw.Created = created.Unix()
	raw.Data.Object.ID = intentID
	raw.Data.Object.Object = "payment_intent"
	b, _ := json.Marshal(raw)
	return b
}
