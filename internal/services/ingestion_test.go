package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ruralpay/payments-core/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestor_Ingest(t *testing.T) {
	ingestor := NewIngestor(config.WebhookConfig{Secret: testWebhookSecret, Algorithm: "sha512", MaxBodyBytes: 256})
	valid := []byte(`{"event_id":"EV-1","type":"charge.success","reference":"TXN-100","amount":5000,"status":"success"}`)

	t.Run("valid", func(t *testing.T) {
		ev, err := ingestor.Ingest(valid, ingestor.Sign(valid))
		require.NoError(t, err)
		assert.Equal(t, "EV-1", ev.GatewayEventID)
		assert.Equal(t, "charge.success", ev.Type)
		assert.Equal(t, "TXN-100", ev.Reference)
		assert.Equal(t, int64(5000), ev.Amount)
		assert.Len(t, ev.PayloadHash, 64)
		assert.Equal(t, valid, ev.Raw)
	})

	t.Run("prefixed and upper-case signature", func(t *testing.T) {
		sig := "sha512=" + strings.ToUpper(ingestor.Sign(valid))
		_, err := ingestor.Ingest(valid, sig)
		assert.NoError(t, err)
	})

	tests := []struct {
		name      string
		payload   []byte
		signature string
		reason    ValidationReason
	}{
		{"missing signature", valid, "", InvalidSignature},
		{"not hex", valid, "zzzz", InvalidSignature},
		{"signature of another body", valid, ingestor.Sign([]byte(`{}`)), InvalidSignature},
		{"tampered body", []byte(strings.Replace(string(valid), "5000", "9000", 1)), ingestor.Sign(valid), InvalidSignature},
		{"not JSON", []byte("amount=5000"), "", MalformedPayload},
		{"missing reference", []byte(`{"event_id":"EV-1","type":"charge.success"}`), "", MalformedPayload},
		{"negative amount", []byte(`{"event_id":"EV-1","type":"charge.success","reference":"T","amount":-1}`), "", MalformedPayload},
		{"trailing data", append(append([]byte{}, valid...), []byte(`{"x":1}`)...), "", MalformedPayload},
		{"too large", []byte(`{"event_id":"` + strings.Repeat("a", 300) + `"}`), "", MalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := tt.signature
			if tt.reason == MalformedPayload {
				sig = ingestor.Sign(tt.payload)
			}
			_, err := ingestor.Ingest(tt.payload, sig)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.reason, verr.Reason)
		})
	}
}

func TestIngestor_SHA256(t *testing.T) {
	ingestor := NewIngestor(config.WebhookConfig{Secret: "s3cret", Algorithm: "sha256"})
	payload := []byte(`{"event_id":"EV-2","type":"transfer.success","reference":"WD-1"}`)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, sig, ingestor.Sign(payload))

	_, err := ingestor.Ingest(payload, "sha256="+sig)
	assert.NoError(t, err)
}

func TestIngestor_NoSecretRejectsEverything(t *testing.T) {
	ingestor := NewIngestor(config.WebhookConfig{})
	payload := []byte(`{"event_id":"EV-1","type":"charge.success","reference":"TXN-1"}`)

	_, err := ingestor.Ingest(payload, ingestor.Sign(payload))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, InvalidSignature, verr.Reason)
}
