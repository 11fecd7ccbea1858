package stripe

import (
	"strings"
	"testing"
	"time"

	dompay "github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{"id":"evt_1"}`)
	valid := Sign(payload, "whsec_test", now)

	tests := []struct {
		name    string
		payload []byte
		header  string
		secret  string
		now     time.Time
		wantErr bool
	}{
		{"valid", payload, valid, "whsec_test", now, false},
		{"valid with extra scheme", payload, valid + ",v0=deadbeef", "whsec_test", now, false},
		{"wrong secret", payload, valid, "whsec_other", now, true},
		{"tampered payload", []byte(`{"id":"evt_2"}`), valid, "whsec_test", now, true},
		{"expired", payload, valid, "whsec_test", now.Add(DefaultTolerance + time.Second), true},
		{"empty header", payload, "", "whsec_test", now, true},
		{"missing v1", payload, "t=1700000000", "whsec_test", now, true},
		{"bad timestamp", payload, "t=abc,v1=00", "whsec_test", now, true},
		{"no secret configured", payload, valid, "", now, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.payload, tt.header, tt.secret, DefaultTolerance, tt.now)
			if tt.wantErr {
				assert.ErrorIs(t, err, dompay.ErrSignature)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerifySignatureAcceptsAnyRotatedSecret(t *testing.T) {
	now := time.Now()
	payload := []byte(`{}`)
	oldSig := Sign(payload, "old", now)
	newSig := Sign(payload, "new", now)
	newV1 := newSig[strings.Index(newSig, "v1="):]
	header := oldSig + "," + newV1

	assert.NoError(t, VerifySignature(payload, header, "new", DefaultTolerance, now))
}

func TestConstructEventRejectsMalformedBody(t *testing.T) {
	payload := []byte(`not json`)
	_, err := ConstructEvent(payload, Sign(payload, "s", time.Now()), "s", DefaultTolerance)
	assert.ErrorIs(t, err, dompay.ErrSignature)

	payload = []byte(`{"type":"payment_intent.succeeded"}`)
	_, err = ConstructEvent(payload, Sign(payload, "s", time.Now()), "s", DefaultTolerance)
	assert.ErrorIs(t, err, dompay.ErrSignature)
}

func TestConstructEvent(t *testing.T) {
	created := time.Unix(1_700_000_000, 0)
	payload := EventPayload("evt_9", dompay.EventIntentFailed, "pi_9", created)

	evt, err := ConstructEvent(payload, Sign(payload, "s", time.Now()), "s", DefaultTolerance)
	require.NoError(t, err)
	assert.Equal(t, dompay.EventIntentFailed, evt.Type)
	assert.Equal(t, "pi_9", evt.IntentID)
	assert.True(t, created.Equal(evt.Created))
}
