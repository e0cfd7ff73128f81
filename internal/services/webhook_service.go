package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ruralpay/payments-core/internal/metrics"
	"github.com/ruralpay/payments-core/internal/models"
)

const (
	ReasonDuplicate        = "duplicate"
	ReasonStateConflict    = "state_conflict"
	ReasonProcessingFailed = "processing_failed"
)

// WebhookResult is what the gateway gets back.
type WebhookResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// WebhookService runs a delivery through ingest, claim, apply and mark.
type WebhookService struct {
	ingestor *Ingestor
	store    *IdempotencyStore
	machine  *StateMachine
	logger   *slog.Logger
}

func NewWebhookService(ingestor *Ingestor, store *IdempotencyStore, machine *StateMachine, logger *slog.Logger) *WebhookService {
	return &WebhookService{ingestor: ingestor, store: store, machine: machine, logger: logger}
}

func (s *WebhookService) Process(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	ev, err := s.ingestor.Ingest(payload, signature)
	if err != nil {
		reason := string(MalformedPayload)
		var verr *ValidationError
		if errors.As(err, &verr) {
			reason = string(verr.Reason)
		}
		metrics.WebhooksTotal.WithLabelValues(reason).Inc()
		return WebhookResult{Accepted: false, Reason: reason}, err
	}

	claim, err := s.store.Claim(ctx, ev)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(ReasonProcessingFailed).Inc()
		return WebhookResult{Accepted: false, Reason: ReasonProcessingFailed}, err
	}
	if claim == AlreadyClaimed {
		s.logger.Info("duplicate webhook", "event_id", ev.GatewayEventID, "type", ev.Type)
		metrics.WebhooksTotal.WithLabelValues(ReasonDuplicate).Inc()
		return WebhookResult{Accepted: true, Reason: ReasonDuplicate}, nil
	}
	return s.apply(ctx, ev)
}

// Replay re-processes an event that previously failed. The payload was
// authenticated when it was first received.
func (s *WebhookService) Replay(ctx context.Context, gatewayEventID string) (WebhookResult, error) {
	rec, err := s.store.Reopen(ctx, gatewayEventID)
	if err != nil {
		return WebhookResult{}, err
	}
	ev, err := s.ingestor.Parse(rec.Payload)
	if err != nil {
		s.mark(ctx, gatewayEventID, func(ctx context.Context, id string) error {
			return s.store.MarkFailed(ctx, id, err)
		})
		return WebhookResult{Accepted: false, Reason: string(MalformedPayload)}, err
	}
	s.logger.Info("replaying webhook", "event_id", gatewayEventID, "attempts", rec.Attempts)
	return s.apply(ctx, ev)
}

func (s *WebhookService) apply(ctx context.Context, ev models.ParsedEvent) (WebhookResult, error) {
	id := ev.GatewayEventID
	outcome, err := s.machine.Apply(ctx, ev)

	var conflict *StateConflictError
	switch {
	case err == nil && outcome == NoOp:
		s.mark(ctx, id, s.store.MarkDuplicate)
		metrics.WebhooksTotal.WithLabelValues(ReasonDuplicate).Inc()
		return WebhookResult{Accepted: true, Reason: ReasonDuplicate}, nil

	case err == nil:
		s.mark(ctx, id, func(ctx context.Context, id string) error { return s.store.MarkProcessed(ctx, id, "") })
		metrics.WebhooksTotal.WithLabelValues("accepted").Inc()
		return WebhookResult{Accepted: true}, nil

	case errors.As(err, &conflict):
		s.mark(ctx, id, func(ctx context.Context, id string) error { return s.store.MarkProcessed(ctx, id, conflict.Error()) })
		metrics.WebhooksTotal.WithLabelValues(ReasonStateConflict).Inc()
		return WebhookResult{Accepted: true, Reason: ReasonStateConflict}, nil

	default:
		s.logger.Error("webhook processing failed", "event_id", id, "reference", ev.Reference, "error", err)
		s.mark(ctx, id, func(ctx context.Context, id string) error { return s.store.MarkFailed(ctx, id, err) })
		metrics.WebhooksTotal.WithLabelValues(ReasonProcessingFailed).Inc()
		return WebhookResult{Accepted: false, Reason: ReasonProcessingFailed}, err
	}
}

// mark records the outcome even when the request context is gone. A record
// left in received is failed later by the idempotency cleanup.
func (s *WebhookService) mark(ctx context.Context, id string, f func(context.Context, string) error) {
	if err := f(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Error("could not record webhook outcome", "event_id", id, "error", err)
	}
}
