package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ruralpay/payments-core/internal/models"
	"github.com/ruralpay/payments-core/internal/repository"
)

type ClaimResult int

const (
	Claimed ClaimResult = iota + 1
	AlreadyClaimed
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case AlreadyClaimed:
		return "already_claimed"
	}
	return "unknown"
}

const (
	claimKeyPrefix = "webhook:claim:"
	claimKeyTTL    = 24 * time.Hour
)

// IdempotencyStore makes webhook processing at-most-once per gateway event
// id. Postgres is authoritative; Redis, when configured, only short-cuts
// obvious redeliveries.
type IdempotencyStore struct {
	events       repository.WebhookEventRepo
	redis        *redis.Client
	retention    time.Duration
	claimTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewIdempotencyStore(events repository.WebhookEventRepo, redisClient *redis.Client, retention, claimTimeout time.Duration, logger *slog.Logger) *IdempotencyStore {
	return &IdempotencyStore{
		events:       events,
		redis:        redisClient,
		retention:    retention,
		claimTimeout: claimTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *IdempotencyStore) Claim(ctx context.Context, ev models.ParsedEvent) (ClaimResult, error) {
	key := claimKeyPrefix + ev.GatewayEventID
	if s.redis != nil {
		ok, err := s.redis.SetNX(ctx, key, 1, claimKeyTTL).Result()
		switch {
		case err != nil:
			s.logger.Warn("redis claim unavailable, using database only", "error", err)
		case !ok:
			return AlreadyClaimed, nil
		}
	}

	inserted, err := s.events.Insert(ctx, &models.WebhookEvent{
		GatewayEventID:   ev.GatewayEventID,
		Type:             ev.Type,
		PayloadHash:      ev.PayloadHash,
		Payload:          ev.Raw,
		ProcessingStatus: models.EventReceived,
		Attempts:         1,
		ReceivedAt:       s.now(),
	})
	if err != nil {
		if s.redis != nil {
			s.redis.Del(ctx, key)
		}
		return 0, err
	}
	if !inserted {
		return AlreadyClaimed, nil
	}
	return Claimed, nil
}

func (s *IdempotencyStore) Get(ctx context.Context, gatewayEventID string) (*models.WebhookEvent, error) {
	ev, err := s.events.Get(ctx, gatewayEventID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

func (s *IdempotencyStore) MarkProcessed(ctx context.Context, gatewayEventID, note string) error {
	return s.events.SetStatus(ctx, gatewayEventID, models.EventProcessed, note)
}

func (s *IdempotencyStore) MarkDuplicate(ctx context.Context, gatewayEventID string) error {
	return s.events.SetStatus(ctx, gatewayEventID, models.EventDuplicate, "")
}

// MarkFailed keeps the record so the event can be replayed deliberately.
func (s *IdempotencyStore) MarkFailed(ctx context.Context, gatewayEventID string, cause error) error {
	return s.events.SetStatus(ctx, gatewayEventID, models.EventFailed, cause.Error())
}

// Reopen hands a failed event back to processing. It returns
// ErrNotReplayable for events in any other state.
func (s *IdempotencyStore) Reopen(ctx context.Context, gatewayEventID string) (*models.WebhookEvent, error) {
	ok, err := s.events.Reopen(ctx, gatewayEventID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := s.Get(ctx, gatewayEventID); err != nil {
			return nil, err
		}
		return nil, ErrNotReplayable
	}
	return s.Get(ctx, gatewayEventID)
}

// Cleanup fails claims abandoned mid-processing, then purges records past
// retention. Failed records survive the purge.
func (s *IdempotencyStore) Cleanup(ctx context.Context) (recovered, purged int64, err error) {
	now := s.now()
	recovered, err = s.events.MarkStaleFailed(ctx, now.Add(-s.claimTimeout))
	if err != nil {
		return 0, 0, err
	}
	purged, err = s.events.Purge(ctx, now.Add(-s.retention))
	if err != nil {
		return recovered, 0, err
	}
	return recovered, purged, nil
}
