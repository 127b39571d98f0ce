package billing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Service is the façade the API layer and the admin CLI call. It wires
// the gate and the coordinator together and adds account provisioning,
// top-ups and the read-only queries.
type Service struct {
	store    Store
	resolver CredentialResolver
	gate     *Gate
	coord    *Coordinator
	engine   Engine
	grant    Amount
	log      zerolog.Logger
}

// SubmitRequest carries everything needed to run one billed
// prediction: the caller's credential, the claimed account, the tier
// selection ("" means the active default) and the problem itself.
type SubmitRequest struct {
	APIKey    string
	AccountID int64
	TierName  string
	Epochs    int
	Input     InputDescriptor
}

// NewService builds the billing façade. grant is the starting balance
// credited to newly provisioned accounts as a signup-grant ledger
// entry, keeping balance == sum(entries) from the very first moment.
func NewService(store Store, resolver CredentialResolver, engine Engine, metrics *Metrics, grant Amount, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		gate:     NewGate(resolver, store, logger),
		coord:    NewCoordinator(store, metrics, logger),
		engine:   engine,
		grant:    grant,
		log:      logger.With().Str("component", "billing_service").Logger(),
	}
}

// Submit authorizes and runs one prediction end to end. Business
// rejections come back as the package's typed errors; engine failures
// come back as a failed work record with a nil error.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*WorkRecord, error) {
	auth, err := s.gate.Authorize(ctx, req.APIKey, req.AccountID, req.TierName, req.Epochs)
	if err != nil {
		s.coord.metrics.Rejected(rejectionReason(err))
		return nil, err
	}

	return s.coord.Run(ctx, auth, req.Input, req.Epochs, func(ctx context.Context, rec *WorkRecord) (*WorkResult, error) {
		return s.engine.Train(ctx, rec.Input, rec.Epochs)
	})
}

// Authenticate resolves an API key to its account, for callers that
// need the identity without submitting work.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (*Account, error) {
	account, err := s.resolver.ResolveAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, fmt.Errorf("resolve credential: %w", err)
	}
	return account, nil
}

// EnsureAccount returns the account for identity, creating it on first
// contact with a fresh API key and the default signup grant.
func (s *Service) EnsureAccount(ctx context.Context, identity, name string) (*Account, error) {
	account, err := s.store.AccountByIdentity(ctx, identity)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("look up account: %w", err)
	}

	key, err := newAPIKey()
	if err != nil {
		return nil, err
	}
	account = &Account{
		Identity: identity,
		Name:     name,
		Role:     RoleUser,
		APIKey:   key,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	if s.grant > 0 {
		if _, err := s.store.Credit(ctx, account.ID, s.grant, "signup grant", nil); err != nil {
			return nil, fmt.Errorf("apply signup grant: %w", err)
		}
		account.Balance = s.grant
	}

	s.log.Info().
		Int64("account_id", account.ID).
		Str("identity", identity).
		Str("grant", s.grant.String()).
		Msg("account provisioned")
	return account, nil
}

// TopUp records a positive ledger entry for the account. Amounts must
// be strictly positive; balances only ever decrease through settlement.
func (s *Service) TopUp(ctx context.Context, accountID int64, amount Amount, description string) (*LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("top-up amount must be positive, got %s", amount)
	}
	if description == "" {
		description = "balance top-up"
	}
	entry, err := s.store.Credit(ctx, accountID, amount, description, nil)
	if err != nil {
		return nil, fmt.Errorf("record top-up: %w", err)
	}
	s.log.Info().
		Int64("account_id", accountID).
		Str("amount", amount.String()).
		Msg("top-up recorded")
	return entry, nil
}

// WorkRecordByUUID fetches one prediction by its external identifier.
func (s *Service) WorkRecordByUUID(ctx context.Context, id string) (*WorkRecord, error) {
	return s.store.WorkRecordByUUID(ctx, id)
}

// ListWorkRecords lists an account's predictions, newest first.
func (s *Service) ListWorkRecords(ctx context.Context, accountID int64) ([]WorkRecord, error) {
	return s.store.ListWorkRecords(ctx, accountID)
}

// Balance returns the account's committed balance.
func (s *Service) Balance(ctx context.Context, accountID int64) (Amount, error) {
	return s.store.Balance(ctx, accountID)
}

// LedgerHistory returns the account's audit trail, most recent first.
func (s *Service) LedgerHistory(ctx context.Context, accountID int64, limit int) ([]LedgerEntry, error) {
	return s.store.LedgerHistory(ctx, accountID, limit)
}

// ListAccounts lists every account. Admin surface only.
func (s *Service) ListAccounts(ctx context.Context) ([]Account, error) {
	return s.store.ListAccounts(ctx)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrAccountMismatch):
		return "account_mismatch"
	case errors.Is(err, ErrNoTierAvailable):
		return "no_tier"
	case errors.Is(err, ErrZeroBalance):
		return "zero_balance"
	case IsInsufficientBalance(err):
		return "insufficient_balance"
	default:
		return "other"
	}
}

func newAPIKey() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "kp_" + hex.EncodeToString(raw), nil
}
