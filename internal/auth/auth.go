// Package auth resolves API keys to accounts. PostgreSQL owns the
// credential material; Redis serves as a look-aside cache so the hot
// path avoids a database round trip for every request. The cache holds
// only key -> account-id mappings with a short TTL; the account row,
// including its balance, is always read from the store of record.
package auth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/keplerhq/kepler/internal/billing"
)

const (
	keyPrefix = "apikey:"
	cacheTTL  = time.Hour
)

// Authenticator implements billing.CredentialResolver with a Redis
// cache in front of the durable store. A nil Redis client degrades to
// store-only lookups, which the CLI and tests rely on.
type Authenticator struct {
	redis *redis.Client
	store billing.Store
	log   zerolog.Logger
}

var _ billing.CredentialResolver = (*Authenticator)(nil)

func NewAuthenticator(rdb *redis.Client, store billing.Store, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		redis: rdb,
		store: store,
		log:   logger.With().Str("component", "auth").Logger(),
	}
}

// ResolveAPIKey maps apiKey to its account. Returns
// billing.ErrNotFound when no account matches. Cache failures are
// logged and fall through to the store; they never fail a request.
func (a *Authenticator) ResolveAPIKey(ctx context.Context, apiKey string) (*billing.Account, error) {
	if apiKey == "" {
		return nil, billing.ErrNotFound
	}

	if a.redis != nil {
		val, err := a.redis.Get(ctx, keyPrefix+apiKey).Result()
		if err == nil {
			id, perr := strconv.ParseInt(val, 10, 64)
			if perr == nil {
				account, serr := a.store.AccountByID(ctx, id)
				if serr == nil && account.APIKey == apiKey {
					return account, nil
				}
				// The cached mapping is stale (key rotated or account
				// gone); drop it and fall through.
				a.redis.Del(ctx, keyPrefix+apiKey)
			}
		} else if !errors.Is(err, redis.Nil) {
			a.log.Warn().Err(err).Msg("api key cache read failed")
		}
	}

	account, err := a.store.ResolveAPIKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	if a.redis != nil {
		if err := a.redis.Set(ctx, keyPrefix+apiKey,
			strconv.FormatInt(account.ID, 10), cacheTTL).Err(); err != nil {
			a.log.Warn().Err(err).Msg("api key cache write failed")
		}
	}
	return account, nil
}

// CacheAPIKey primes the cache for one key, used by the sync service
// during startup warm-up.
func (a *Authenticator) CacheAPIKey(ctx context.Context, apiKey string, accountID int64) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Set(ctx, keyPrefix+apiKey, strconv.FormatInt(accountID, 10), cacheTTL).Err()
}
