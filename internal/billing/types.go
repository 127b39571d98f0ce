// Package billing is the core of Kepler: it computes the cost of a
// symbolic-regression run, authorizes it against an account balance,
// debits atomically, and keeps an append-only audit trail tied 1:1 to
// the prediction that caused each charge.
//
// The package is deliberately independent of any transport or storage
// technology. It talks to the world through two narrow interfaces:
//
//  1. Store - durable persistence for accounts, tiers, predictions and
//     ledger entries, with an atomic conditional debit.
//  2. Engine - the opaque costed-work collaborator (the regression
//     service). It may take an arbitrary amount of time and fail in
//     arbitrary ways; the billing logic never charges for a run that
//     did not produce a usable result.
//
// Invariants this package protects:
//
//   - An account balance never goes negative as the result of a charge.
//   - balance == sum of all ledger entries for the account, always.
//   - A failed prediction is never charged and never referenced by a
//     ledger entry; a completed one is referenced by exactly one entry
//     whose amount equals minus its cost.
//   - Settling a prediction twice is rejected, never double-charged.
package billing

import "time"

// Role is the capability level of an account. Admin accounts may
// provision other accounts and record top-ups over the API.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Account is an identity-linked balance holder. Balances only change
// through the charge coordinator's settlement or an explicit top-up;
// accounts are never deleted.
type Account struct {
	ID           int64     `json:"id"`
	Identity     string    `json:"identity"`
	Name         string    `json:"name"`
	Balance      Amount    `json:"balance"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	APIKey       string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PricingTier is a named cost profile for the regression engine.
// Tiers are seeded at provisioning time and read-only afterward.
// Provisioning is expected to keep exactly one tier active.
type PricingTier struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	BasePrice   Amount `json:"base_price"`
	EpochPrice  Amount `json:"epoch_price"`
	Active      bool   `json:"active"`
}

// WorkStatus is the lifecycle state of a WorkRecord. Records are
// admitted directly in StatusProcessing; the only transitions out of
// it are to the two terminal states, via the coordinator's settlement.
type WorkStatus string

const (
	StatusPending    WorkStatus = "pending"
	StatusProcessing WorkStatus = "processing"
	StatusCompleted  WorkStatus = "completed"
	StatusFailed     WorkStatus = "failed"
)

// Terminal reports whether no further transitions may leave s.
func (s WorkStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InputDescriptor carries the regression problem handed to the engine.
// The billing core treats it as opaque apart from persisting it.
type InputDescriptor struct {
	Data          string   `json:"input_data"`
	TargetName    string   `json:"y_name"`
	FeatureNames  []string `json:"x_names,omitempty"`
	Operations    []string `json:"op_names,omitempty"`
	FreeConstants []string `json:"free_consts_names,omitempty"`
	RunConfig     string   `json:"run_config"`
	StopReward    float64  `json:"stop_reward"`
	Parallel      bool     `json:"parallel_mode"`
}

// WorkRecord is one costed unit of work: a single prediction request.
// UUID is the external identifier used for status polling; the numeric
// ID never leaves the storage layer's foreign keys.
//
// TotalCost is nil until settlement, set exactly once, and never
// recomputed afterward.
type WorkRecord struct {
	ID            int64           `json:"-"`
	UUID          string          `json:"uuid"`
	AccountID     int64           `json:"account_id"`
	TierID        int64           `json:"tier_id"`
	Input         InputDescriptor `json:"input"`
	Epochs        int             `json:"epochs"`
	TotalCost     *Amount         `json:"total_cost,omitempty"`
	Status        WorkStatus      `json:"status"`
	Formula       string          `json:"best_formula,omitempty"`
	R2            *float64        `json:"best_r2,omitempty"`
	ParetoCount   int             `json:"pareto_count"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	QueueTimeMS   int64           `json:"queue_time_ms"`
	ProcessTimeMS int64           `json:"process_time_ms"`
}

// LedgerEntry is one immutable balance delta: negative for charges,
// positive for top-ups and grants. WorkRecordID links a charge to the
// prediction that caused it.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	AccountID    int64     `json:"account_id"`
	Amount       Amount    `json:"amount"`
	Description  string    `json:"description"`
	WorkRecordID *int64    `json:"work_record_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// WorkResult is what the engine reports back for a successful run.
// A result with an empty Formula is unusable and settles as a failure.
type WorkResult struct {
	Formula     string
	R2          float64
	ParetoCount int
	Metadata    map[string]string
}
