// Package store provides the persistence implementations behind the
// billing.Store interface: PostgreSQL as the durable source of truth
// and an in-memory store for tests and development.
//
// The consistency-critical operation is SettleSuccess. It runs the
// balance decrement, the ledger append and the work-record terminal
// update inside one database transaction, with the decrement expressed
// as a conditional update:
//
//	UPDATE accounts SET balance = balance - $cost
//	WHERE id = $id AND balance >= $cost
//
// Two concurrent settlements against a balance that covers only one of
// them therefore cannot both apply; the loser sees zero rows affected
// and is reported as an insufficient-balance rejection with nothing
// committed. Requests for independent accounts never serialize on each
// other.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/keplerhq/kepler/internal/billing"
)

// Postgres is the durable billing.Store.
type Postgres struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ billing.Store = (*Postgres)(nil)

// Open connects to PostgreSQL and verifies connectivity.
func Open(postgresURL string, logger zerolog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &Postgres{db: db, log: logger.With().Str("component", "store").Logger()}, nil
}

// Migrate applies the schema. Safe to run repeatedly.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

const accountColumns = `id, identity, name, balance, role, password_hash, api_key, created_at, updated_at`

func scanAccount(row *sql.Row) (*billing.Account, error) {
	var a billing.Account
	err := row.Scan(&a.ID, &a.Identity, &a.Name, &a.Balance, &a.Role,
		&a.PasswordHash, &a.APIKey, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

func (p *Postgres) CreateAccount(ctx context.Context, a *billing.Account) error {
	if a.Role == "" {
		a.Role = billing.RoleUser
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO accounts (identity, name, balance, role, password_hash, api_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`, a.Identity, a.Name, a.Balance, a.Role, a.PasswordHash, a.APIKey).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (p *Postgres) AccountByID(ctx context.Context, id int64) (*billing.Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (p *Postgres) AccountByIdentity(ctx context.Context, identity string) (*billing.Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE identity = $1`, identity))
}

func (p *Postgres) ResolveAPIKey(ctx context.Context, apiKey string) (*billing.Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE api_key = $1`, apiKey))
}

func (p *Postgres) SetRole(ctx context.Context, accountID int64, role billing.Role) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE accounts SET role = $1, updated_at = NOW() WHERE id = $2`, role, accountID)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrNotFound
	}
	return nil
}

func (p *Postgres) ListAccounts(ctx context.Context) ([]billing.Account, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []billing.Account
	for rows.Next() {
		var a billing.Account
		if err := rows.Scan(&a.ID, &a.Identity, &a.Name, &a.Balance, &a.Role,
			&a.PasswordHash, &a.APIKey, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateTier(ctx context.Context, t *billing.PricingTier) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO pricing_tiers (name, description, base_price, epoch_price, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, t.Name, t.Description, t.BasePrice, t.EpochPrice, t.Active).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert tier: %w", err)
	}
	return nil
}

func scanTier(row *sql.Row) (*billing.PricingTier, error) {
	var t billing.PricingTier
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.BasePrice, &t.EpochPrice, &t.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tier: %w", err)
	}
	return &t, nil
}

func (p *Postgres) ActiveTier(ctx context.Context) (*billing.PricingTier, error) {
	// Lowest id wins when provisioning has left several active, so
	// the default selection stays deterministic.
	return scanTier(p.db.QueryRowContext(ctx, `
		SELECT id, name, description, base_price, epoch_price, active
		FROM pricing_tiers WHERE active ORDER BY id LIMIT 1`))
}

func (p *Postgres) TierByName(ctx context.Context, name string) (*billing.PricingTier, error) {
	return scanTier(p.db.QueryRowContext(ctx, `
		SELECT id, name, description, base_price, epoch_price, active
		FROM pricing_tiers WHERE name = $1`, name))
}

func (p *Postgres) ListTiers(ctx context.Context) ([]billing.PricingTier, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, description, base_price, epoch_price, active
		FROM pricing_tiers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query tiers: %w", err)
	}
	defer rows.Close()

	var out []billing.PricingTier
	for rows.Next() {
		var t billing.PricingTier
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.BasePrice, &t.EpochPrice, &t.Active); err != nil {
			return nil, fmt.Errorf("scan tier: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateWorkRecord(ctx context.Context, rec *billing.WorkRecord) error {
	features := mustJSON(rec.Input.FeatureNames)
	ops := mustJSON(rec.Input.Operations)
	consts := mustJSON(rec.Input.FreeConstants)

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO work_records (
			uuid, account_id, tier_id, input_data, target_name,
			feature_names, operations, free_constants, run_config,
			stop_reward, parallel, epochs, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`, rec.UUID, rec.AccountID, rec.TierID, rec.Input.Data, rec.Input.TargetName,
		features, ops, consts, rec.Input.RunConfig,
		rec.Input.StopReward, rec.Input.Parallel, rec.Epochs, rec.Status, rec.CreatedAt).
		Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert work record: %w", err)
	}
	return nil
}

const workRecordColumns = `
	id, uuid, account_id, tier_id, input_data, target_name,
	feature_names, operations, free_constants, run_config, stop_reward,
	parallel, epochs, total_cost, status, formula, r2, pareto_count,
	failure_reason, created_at, completed_at, queue_time_ms, process_time_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkRecord(row rowScanner) (*billing.WorkRecord, error) {
	var (
		rec       billing.WorkRecord
		features  string
		ops       string
		consts    string
		totalCost sql.NullInt64
		r2        sql.NullFloat64
		completed sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.UUID, &rec.AccountID, &rec.TierID,
		&rec.Input.Data, &rec.Input.TargetName, &features, &ops, &consts,
		&rec.Input.RunConfig, &rec.Input.StopReward, &rec.Input.Parallel,
		&rec.Epochs, &totalCost, &rec.Status, &rec.Formula, &r2,
		&rec.ParetoCount, &rec.FailureReason, &rec.CreatedAt, &completed,
		&rec.QueueTimeMS, &rec.ProcessTimeMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan work record: %w", err)
	}

	if totalCost.Valid {
		cost := billing.Amount(totalCost.Int64)
		rec.TotalCost = &cost
	}
	if r2.Valid {
		rec.R2 = &r2.Float64
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	_ = json.Unmarshal([]byte(features), &rec.Input.FeatureNames)
	_ = json.Unmarshal([]byte(ops), &rec.Input.Operations)
	_ = json.Unmarshal([]byte(consts), &rec.Input.FreeConstants)
	return &rec, nil
}

func (p *Postgres) WorkRecordByUUID(ctx context.Context, uuid string) (*billing.WorkRecord, error) {
	return scanWorkRecord(p.db.QueryRowContext(ctx,
		`SELECT `+workRecordColumns+` FROM work_records WHERE uuid = $1`, uuid))
}

func (p *Postgres) ListWorkRecords(ctx context.Context, accountID int64) ([]billing.WorkRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+workRecordColumns+` FROM work_records WHERE account_id = $1 ORDER BY id DESC`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("query work records: %w", err)
	}
	defer rows.Close()

	var out []billing.WorkRecord
	for rows.Next() {
		rec, err := scanWorkRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// SettleSuccess finalizes rec as completed and applies the debit and
// the ledger append in the same transaction. See the package comment
// for the concurrency discipline.
func (p *Postgres) SettleSuccess(ctx context.Context, rec *billing.WorkRecord, cost billing.Amount, description string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE work_records SET
			status = $1, formula = $2, r2 = $3, pareto_count = $4,
			total_cost = $5, completed_at = $6,
			queue_time_ms = $7, process_time_ms = $8
		WHERE uuid = $9 AND status = $10
	`, billing.StatusCompleted, rec.Formula, rec.R2, rec.ParetoCount,
		int64(cost), rec.CompletedAt, rec.QueueTimeMS, rec.ProcessTimeMS,
		rec.UUID, billing.StatusProcessing)
	if err != nil {
		return fmt.Errorf("finalize work record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.settleConflict(ctx, rec.UUID)
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE accounts SET balance = balance - $1, updated_at = now()
		WHERE id = $2 AND balance >= $1
	`, int64(cost), rec.AccountID)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var available billing.Amount
		if err := p.db.QueryRowContext(ctx,
			`SELECT balance FROM accounts WHERE id = $1`, rec.AccountID).
			Scan(&available); err != nil {
			return fmt.Errorf("read balance after failed debit: %w", err)
		}
		return &billing.InsufficientBalanceError{Required: cost, Available: available}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account_id, amount, description, work_record_id)
		VALUES ($1, $2, $3, $4)
	`, rec.AccountID, -int64(cost), description, rec.ID)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settlement: %w", err)
	}
	return nil
}

func (p *Postgres) SettleFailure(ctx context.Context, rec *billing.WorkRecord) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE work_records SET
			status = $1, failure_reason = $2, completed_at = $3,
			queue_time_ms = $4, process_time_ms = $5
		WHERE uuid = $6 AND status = $7
	`, billing.StatusFailed, rec.FailureReason, rec.CompletedAt,
		rec.QueueTimeMS, rec.ProcessTimeMS, rec.UUID, billing.StatusProcessing)
	if err != nil {
		return fmt.Errorf("finalize failed work record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.settleConflict(ctx, rec.UUID)
	}
	return nil
}

// settleConflict distinguishes a missing record from one already in a
// terminal state after a guarded update touched zero rows.
func (p *Postgres) settleConflict(ctx context.Context, uuid string) error {
	var status billing.WorkStatus
	err := p.db.QueryRowContext(ctx,
		`SELECT status FROM work_records WHERE uuid = $1`, uuid).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect work record: %w", err)
	}
	if status.Terminal() {
		return billing.ErrAlreadySettled
	}
	return fmt.Errorf("work record %s in unexpected state %q", uuid, status)
}

func (p *Postgres) Credit(ctx context.Context, accountID int64, amount billing.Amount, description string, workRecordID *int64) (*billing.LedgerEntry, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = balance + $1, updated_at = now() WHERE id = $2
	`, int64(amount), accountID)
	if err != nil {
		return nil, fmt.Errorf("credit balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, billing.ErrNotFound
	}

	entry := &billing.LedgerEntry{
		AccountID:    accountID,
		Amount:       amount,
		Description:  description,
		WorkRecordID: workRecordID,
	}
	var recID sql.NullInt64
	if workRecordID != nil {
		recID = sql.NullInt64{Int64: *workRecordID, Valid: true}
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (account_id, amount, description, work_record_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, accountID, int64(amount), description, recID).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit credit: %w", err)
	}
	return entry, nil
}

func (p *Postgres) Balance(ctx context.Context, accountID int64) (billing.Amount, error) {
	var balance billing.Amount
	err := p.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, billing.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

func (p *Postgres) SumLedger(ctx context.Context, accountID int64) (billing.Amount, error) {
	var sum billing.Amount
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = $1`,
		accountID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum ledger entries: %w", err)
	}
	return sum, nil
}

func (p *Postgres) LedgerHistory(ctx context.Context, accountID int64, limit int) ([]billing.LedgerEntry, error) {
	query := `
		SELECT id, account_id, amount, description, work_record_id, created_at
		FROM ledger_entries WHERE account_id = $1 ORDER BY id DESC`
	args := []any{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []billing.LedgerEntry
	for rows.Next() {
		var (
			e     billing.LedgerEntry
			recID sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.Description, &recID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if recID.Valid {
			id := recID.Int64
			e.WorkRecordID = &id
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func mustJSON(v []string) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}
