// Package idempotency implements the HTTP idempotency-key layer. The
// Postgres record is authoritative; a Redis replay cache serves repeat
// deliveries without touching the primary. Domain reference keys (charges,
// refunds) are handled by the command services through unique constraints
// and do not pass through this package.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ledgerline/arcd/internal/domain"
	"github.com/ledgerline/arcd/internal/storage"
)

// DefaultTTL is how long completed records replay before they expire.
const DefaultTTL = 30 * 24 * time.Hour

// Outcome is the registry's verdict on an incoming idempotent request.
type Outcome int

const (
	// OutcomeProceed means this is the first delivery; the handler runs and
	// must call Complete or Abandon.
	OutcomeProceed Outcome = iota
	// OutcomeReplay means an identical request already completed; the stored
	// response is returned byte-for-byte.
	OutcomeReplay
	// OutcomeMismatch means the key was reused with a different payload.
	OutcomeMismatch
	// OutcomeInFlight means the first delivery is still being handled.
	OutcomeInFlight
)

// Result carries the stored response for replays.
type Result struct {
	Outcome Outcome
	Status  int
	Body    []byte
}

// Registry coordinates idempotency records across Postgres and Redis.
type Registry struct {
	store  storage.Store
	cache  redis.UniversalClient // nil disables the replay cache
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewRegistry returns a Registry with the given TTL; zero means DefaultTTL.
// cache may be nil, in which case every replay reads Postgres.
func NewRegistry(store storage.Store, cache redis.UniversalClient, logger *zap.Logger, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		store:  store,
		cache:  cache,
		logger: logger,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type cachedResponse struct {
	RequestHash string `json:"request_hash"`
	Status      int    `json:"status"`
	Body        []byte `json:"body"`
}

func cacheKey(tenant, key string) string {
	return "idem:" + tenant + ":" + key
}

// Begin claims the key for this request or resolves it against an earlier
// delivery. The claim row is written in-progress before the handler runs, so
// a concurrent duplicate sees OutcomeInFlight rather than racing the
// handler.
func (r *Registry) Begin(ctx context.Context, tenant, key, requestHash string) (*Result, error) {
	const op = "idempotency.begin"

	if hit := r.cacheLookup(ctx, tenant, key, requestHash); hit != nil {
		return hit, nil
	}

	record := &domain.IdempotencyRecord{
		TenantID:    tenant,
		Key:         key,
		RequestHash: requestHash,
		InProgress:  true,
		CreatedAt:   r.now(),
		ExpiresAt:   r.now().Add(r.ttl),
	}
	err := r.store.Idempotency().Insert(ctx, record)
	if err == nil {
		return &Result{Outcome: OutcomeProceed}, nil
	}
	if !storage.IsDuplicate(err) {
		return nil, domain.WrapInternal(err, op)
	}

	// Lost the insert race or the key was used before: re-read and compare.
	existing, getErr := r.store.Idempotency().Get(ctx, tenant, key)
	if getErr != nil {
		if storage.IsNotFound(getErr) {
			// The earlier record expired between Insert and Get; treat this
			// delivery as first.
			return &Result{Outcome: OutcomeProceed}, nil
		}
		return nil, domain.WrapInternal(getErr, op)
	}
	if existing.Expired(r.now()) {
		if delErr := r.store.Idempotency().Delete(ctx, tenant, key); delErr != nil {
			return nil, domain.WrapInternal(delErr, op)
		}
		return r.Begin(ctx, tenant, key, requestHash)
	}
	if existing.RequestHash != requestHash {
		return &Result{Outcome: OutcomeMismatch}, nil
	}
	if existing.InProgress {
		return &Result{Outcome: OutcomeInFlight}, nil
	}
	return &Result{Outcome: OutcomeReplay, Status: existing.ResponseStatus, Body: existing.ResponseBody}, nil
}

// Complete stores the handler's response against the claimed key and primes
// the replay cache. Cache failures are logged, never surfaced: Postgres
// already holds the truth.
func (r *Registry) Complete(ctx context.Context, tenant, key, requestHash string, status int, body []byte) error {
	const op = "idempotency.complete"
	if err := r.store.Idempotency().Complete(ctx, tenant, key, status, body); err != nil {
		return domain.WrapInternal(err, op)
	}
	if r.cache != nil {
		payload, err := json.Marshal(cachedResponse{RequestHash: requestHash, Status: status, Body: body})
		if err == nil {
			if err := r.cache.Set(ctx, cacheKey(tenant, key), payload, r.ttl).Err(); err != nil {
				r.logger.Warn("idempotency cache write failed",
					zap.String("tenant", tenant),
					zap.String("key", key),
					zap.Error(err))
			}
		}
	}
	return nil
}

// Abandon releases a claimed key after a handler failure that produced no
// stored response, so the client can retry.
func (r *Registry) Abandon(ctx context.Context, tenant, key string) error {
	if err := r.store.Idempotency().Delete(ctx, tenant, key); err != nil && !storage.IsNotFound(err) {
		return domain.WrapInternal(err, "idempotency.abandon")
	}
	return nil
}

// SweepExpired deletes records past their TTL and returns how many went.
func (r *Registry) SweepExpired(ctx context.Context) (int64, error) {
	n, err := r.store.Idempotency().DeleteExpired(ctx, r.now())
	if err != nil {
		return 0, domain.WrapInternal(err, "idempotency.sweep")
	}
	return n, nil
}

func (r *Registry) cacheLookup(ctx context.Context, tenant, key, requestHash string) *Result {
	if r.cache == nil {
		return nil
	}
	raw, err := r.cache.Get(ctx, cacheKey(tenant, key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn("idempotency cache read failed",
				zap.String("tenant", tenant),
				zap.String("key", key),
				zap.Error(err))
		}
		return nil
	}
	var cached cachedResponse
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil
	}
	if cached.RequestHash != requestHash {
		return &Result{Outcome: OutcomeMismatch}
	}
	return &Result{Outcome: OutcomeReplay, Status: cached.Status, Body: cached.Body}
}
