package billing

import "context"

// CredentialResolver maps an API key to the owning account. The store
// implements it directly; internal/auth wraps it with a Redis
// look-aside cache for the hot path.
type CredentialResolver interface {
	ResolveAPIKey(ctx context.Context, apiKey string) (*Account, error)
}

// Store is the single authoritative ledger store. Implementations must
// provide at least per-account serializability for the debit inside
// SettleSuccess: the "check balance, compare, debit" sequence is a
// critical section per account, and two concurrent settlements against
// a balance that covers only one of them must not both succeed.
//
// Any error other than the package's typed errors is a persistence
// fault: the caller must propagate it rather than mask it as a
// business outcome.
type Store interface {
	CredentialResolver

	CreateAccount(ctx context.Context, a *Account) error
	AccountByID(ctx context.Context, id int64) (*Account, error)
	AccountByIdentity(ctx context.Context, identity string) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	// SetRole changes an account's capability level. Provisioning
	// surface only; roles never change as a side effect of billing.
	SetRole(ctx context.Context, accountID int64, role Role) error

	CreateTier(ctx context.Context, t *PricingTier) error
	// ActiveTier returns the active tier. If provisioning has left
	// several tiers active it returns the lowest-id one
	// deterministically.
	ActiveTier(ctx context.Context) (*PricingTier, error)
	TierByName(ctx context.Context, name string) (*PricingTier, error)
	ListTiers(ctx context.Context) ([]PricingTier, error)

	CreateWorkRecord(ctx context.Context, rec *WorkRecord) error
	WorkRecordByUUID(ctx context.Context, uuid string) (*WorkRecord, error)
	ListWorkRecords(ctx context.Context, accountID int64) ([]WorkRecord, error)

	// SettleSuccess finalizes rec as completed and, as a single atomic
	// unit, debits cost from the account and appends the ledger entry
	// referencing rec. It returns ErrAlreadySettled if rec is already
	// terminal and *InsufficientBalanceError if the conditional debit
	// loses the race, in which case nothing is applied.
	SettleSuccess(ctx context.Context, rec *WorkRecord, cost Amount, description string) error

	// SettleFailure finalizes rec as failed. No debit, no ledger entry.
	// Returns ErrAlreadySettled if rec is already terminal.
	SettleFailure(ctx context.Context, rec *WorkRecord) error

	// Credit appends a positive ledger entry (top-up or grant) and
	// increases the balance atomically.
	Credit(ctx context.Context, accountID int64, amount Amount, description string, workRecordID *int64) (*LedgerEntry, error)

	Balance(ctx context.Context, accountID int64) (Amount, error)
	// LedgerHistory returns committed entries most recent first.
	// limit <= 0 means no limit.
	LedgerHistory(ctx context.Context, accountID int64, limit int) ([]LedgerEntry, error)
	// SumLedger totals every entry for the account. Audit surface:
	// the result must always equal Balance.
	SumLedger(ctx context.Context, accountID int64) (Amount, error)
}

// Engine is the costed-work collaborator: the symbolic-regression
// service. A call may block for a long time; it must honor ctx
// cancellation and has no side effects visible to billing other than
// its return value.
type Engine interface {
	Train(ctx context.Context, in InputDescriptor, epochs int) (*WorkResult, error)
}
