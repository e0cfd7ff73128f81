package services

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/ruralpay/payments-core/internal/config"
	"github.com/ruralpay/payments-core/internal/models"
)

// Ingestor authenticates and decodes gateway webhooks. It has no side
// effects.
type Ingestor struct {
	secret    []byte
	newHash   func() hash.Hash
	maxBytes  int64
	validator *ValidationHelper
}

func NewIngestor(cfg config.WebhookConfig) *Ingestor {
	newHash := sha512.New
	if cfg.Algorithm == "sha256" {
		newHash = sha256.New
	}
	return &Ingestor{
		secret:    []byte(cfg.Secret),
		newHash:   newHash,
		maxBytes:  cfg.MaxBodyBytes,
		validator: NewValidationHelper(),
	}
}

// Sign returns the hex signature the gateway is expected to send for payload.
func (i *Ingestor) Sign(payload []byte) string {
	mac := hmac.New(i.newHash, i.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (i *Ingestor) Ingest(payload []byte, signature string) (models.ParsedEvent, error) {
	if !i.verify(payload, signature) {
		return models.ParsedEvent{}, &ValidationError{Reason: InvalidSignature}
	}
	return i.Parse(payload)
}

// Parse decodes an already authenticated payload.
func (i *Ingestor) Parse(payload []byte) (models.ParsedEvent, error) {
	var ev models.ParsedEvent
	if i.maxBytes > 0 && int64(len(payload)) > i.maxBytes {
		return ev, &ValidationError{Reason: MalformedPayload, Err: fmt.Errorf("payload exceeds %d bytes", i.maxBytes)}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&ev); err != nil {
		return models.ParsedEvent{}, &ValidationError{Reason: MalformedPayload, Err: err}
	}
	if dec.More() {
		return models.ParsedEvent{}, &ValidationError{Reason: MalformedPayload, Err: errors.New("trailing data after JSON object")}
	}
	if err := i.validator.ValidateStruct(&ev); err != nil {
		return models.ParsedEvent{}, &ValidationError{Reason: MalformedPayload, Err: err}
	}

	sum := sha256.Sum256(payload)
	ev.PayloadHash = hex.EncodeToString(sum[:])
	ev.Raw = payload
	return ev, nil
}

func (i *Ingestor) verify(payload []byte, signature string) bool {
	if len(i.secret) == 0 || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha512=")
	signature = strings.TrimPrefix(signature, "sha256=")
	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(i.newHash, i.secret)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}
