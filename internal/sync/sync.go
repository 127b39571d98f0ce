// Package sync keeps the Redis cache warm from the durable store.
//
// PostgreSQL is the source of truth for everything; Redis only ever
// holds derived data (API-key mappings and balance snapshots for cheap
// dashboard reads). Debits never consult Redis, so a stale cache can
// slow a request down but can never let an account overspend. The
// syncer does a full warm-up at startup and refreshes on an interval
// afterward to absorb manual adjustments made behind the API's back.
package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/keplerhq/kepler/internal/billing"
)

const (
	balanceKeyPrefix = "account:balance:"
	apiKeyPrefix     = "apikey:"
	cacheTTL         = time.Hour
)

// Syncer refreshes the Redis cache from the store.
type Syncer struct {
	redis  *redis.Client
	store  billing.Store
	log    zerolog.Logger
	stopCh chan struct{}
}

func NewSyncer(rdb *redis.Client, store billing.Store, logger zerolog.Logger) *Syncer {
	return &Syncer{
		redis:  rdb,
		store:  store,
		log:    logger.With().Str("component", "syncer").Logger(),
		stopCh: make(chan struct{}),
	}
}

// WarmCache loads every account's API key and balance snapshot into
// Redis in one pipeline. Called once at startup before serving.
func (s *Syncer) WarmCache(ctx context.Context) error {
	start := time.Now()

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	pipe := s.redis.Pipeline()
	for _, a := range accounts {
		id := strconv.FormatInt(a.ID, 10)
		pipe.Set(ctx, balanceKeyPrefix+id, int64(a.Balance), cacheTTL)
		if a.APIKey != "" {
			pipe.Set(ctx, apiKeyPrefix+a.APIKey, id, cacheTTL)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write cache pipeline: %w", err)
	}

	s.log.Info().
		Int("accounts", len(accounts)).
		Dur("duration_ms", time.Since(start)).
		Msg("cache warmed from store")
	return nil
}

// StartPeriodicSync refreshes the cache every interval until Stop.
func (s *Syncer) StartPeriodicSync(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := s.WarmCache(ctx); err != nil {
					s.log.Error().Err(err).Msg("periodic cache sync failed")
				}
				cancel()
			case <-s.stopCh:
				s.log.Info().Msg("periodic sync stopped")
				return
			}
		}
	}()
}

// Stop terminates the periodic sync loop.
func (s *Syncer) Stop() {
	close(s.stopCh)
}

// CachedBalance reads the balance snapshot for dashboards that can
// tolerate staleness. Falls back to the store on a cache miss.
func (s *Syncer) CachedBalance(ctx context.Context, accountID int64) (billing.Amount, error) {
	val, err := s.redis.Get(ctx, balanceKeyPrefix+strconv.FormatInt(accountID, 10)).Int64()
	if err == nil {
		return billing.Amount(val), nil
	}
	if err != redis.Nil {
		s.log.Warn().Err(err).Int64("account_id", accountID).Msg("balance cache read failed")
	}
	return s.store.Balance(ctx, accountID)
}
