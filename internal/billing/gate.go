package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Gate is the authorization gate: it resolves the caller's credential,
// cross-checks the claimed account, quotes the cost and verifies the
// balance covers it. It performs reads only; the quote it returns is
// authoritative for the subsequent charge but no balance is touched
// here. Separating quote from charge lets callers see the price before
// committing to the long engine run.
type Gate struct {
	resolver CredentialResolver
	store    Store
	log      zerolog.Logger
}

// AuthorizedRequest is the gate's successful outcome: the resolved
// account and tier plus the quoted cost the coordinator will charge.
type AuthorizedRequest struct {
	Account *Account
	Tier    *PricingTier
	Cost    Amount
}

func NewGate(resolver CredentialResolver, store Store, logger zerolog.Logger) *Gate {
	return &Gate{
		resolver: resolver,
		store:    store,
		log:      logger.With().Str("component", "gate").Logger(),
	}
}

// Authorize validates the request in order: credential, account
// cross-check, tier resolution, quote, zero-balance, sufficiency.
// claimedAccountID of zero skips the cross-check (the caller did not
// claim a specific account). tierName of "" selects the active tier.
func (g *Gate) Authorize(ctx context.Context, apiKey string, claimedAccountID int64, tierName string, epochs int) (*AuthorizedRequest, error) {
	account, err := g.resolver.ResolveAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, fmt.Errorf("resolve credential: %w", err)
	}

	if claimedAccountID != 0 && claimedAccountID != account.ID {
		g.log.Warn().
			Int64("account_id", account.ID).
			Int64("claimed_account_id", claimedAccountID).
			Msg("account mismatch")
		return nil, ErrAccountMismatch
	}

	var tier *PricingTier
	if tierName == "" {
		tier, err = g.store.ActiveTier(ctx)
	} else {
		tier, err = g.store.TierByName(ctx, tierName)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoTierAvailable
		}
		return nil, fmt.Errorf("resolve tier: %w", err)
	}

	cost, err := Quote(tier, epochs)
	if err != nil {
		return nil, err
	}

	// The zero check comes before the full comparison so an empty
	// account gets a clearer signal than a generic insufficiency.
	if account.Balance <= 0 {
		return nil, ErrZeroBalance
	}
	if account.Balance < cost {
		return nil, &InsufficientBalanceError{Required: cost, Available: account.Balance}
	}

	g.log.Debug().
		Int64("account_id", account.ID).
		Str("tier", tier.Name).
		Int("epochs", epochs).
		Str("quoted_cost", cost.String()).
		Msg("request authorized")

	return &AuthorizedRequest{Account: account, Tier: tier, Cost: cost}, nil
}
