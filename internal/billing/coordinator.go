package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WorkFunc is the costed work the coordinator runs between admission
// and settlement. It is opaque: it may block for a long time and fail
// with any error. It must honor ctx so a caller timeout or
// cancellation routes through the failure settlement path.
type WorkFunc func(ctx context.Context, rec *WorkRecord) (*WorkResult, error)

// Coordinator drives a charge through its three phases:
//
//	admit -> execute -> settle (success | failure)
//
// Admission persists the work record before any engine time is spent,
// so every attempted charge leaves a durable trace even if the process
// dies mid-run. Settlement on success debits the balance and appends
// the ledger entry as one atomic unit at the store; settlement on
// failure records the reason and charges nothing.
//
// The per-account exclusivity the debit needs lives inside the store's
// SettleSuccess. The engine run itself holds no lock: concurrent
// requests from independent accounts, and even from the same account,
// execute freely and only serialize at the debit.
type Coordinator struct {
	store   Store
	metrics *Metrics
	log     zerolog.Logger
}

func NewCoordinator(store Store, metrics *Metrics, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		metrics: metrics,
		log:     logger.With().Str("component", "coordinator").Logger(),
	}
}

// Run admits a work record for req, executes work, and settles. The
// returned record is finalized in all business outcomes, success or
// failure; engine failures are reported as a terminal status on the
// record, not as an error. The error return is reserved for
// persistence faults and for the settlement-time insufficient-balance
// race, where the caller receives the typed rejection alongside the
// failed record.
func (c *Coordinator) Run(ctx context.Context, req *AuthorizedRequest, input InputDescriptor, epochs int, work WorkFunc) (*WorkRecord, error) {
	admitted := time.Now()

	rec := &WorkRecord{
		UUID:      uuid.NewString(),
		AccountID: req.Account.ID,
		TierID:    req.Tier.ID,
		Input:     input,
		Epochs:    epochs,
		Status:    StatusProcessing,
		CreatedAt: admitted,
	}
	if err := c.store.CreateWorkRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("admit work record: %w", err)
	}
	c.metrics.Admitted()

	c.log.Info().
		Str("uuid", rec.UUID).
		Int64("account_id", rec.AccountID).
		Str("tier", req.Tier.Name).
		Int("epochs", epochs).
		Str("quoted_cost", req.Cost.String()).
		Msg("work admitted")

	started := time.Now()
	rec.QueueTimeMS = started.Sub(admitted).Milliseconds()

	result, workErr := work(ctx, rec)
	rec.ProcessTimeMS = time.Since(started).Milliseconds()

	// A reported success with no formula is unusable output; treat it
	// exactly like an engine failure. No charge either way.
	if workErr == nil && (result == nil || result.Formula == "") {
		workErr = &WorkError{Reason: "engine returned no formula"}
	}

	if workErr != nil {
		return c.settleFailure(ctx, rec, workErr, admitted)
	}
	return c.settleSuccess(ctx, rec, req, result, admitted)
}

func (c *Coordinator) settleSuccess(ctx context.Context, rec *WorkRecord, req *AuthorizedRequest, result *WorkResult, admitted time.Time) (*WorkRecord, error) {
	now := time.Now()
	cost := req.Cost // the admission-time quote; never recomputed

	rec.Formula = result.Formula
	r2 := result.R2
	rec.R2 = &r2
	rec.ParetoCount = result.ParetoCount
	rec.Status = StatusCompleted
	rec.TotalCost = &cost
	rec.CompletedAt = &now

	description := fmt.Sprintf("prediction %s (%d epochs)", rec.UUID, rec.Epochs)
	err := c.store.SettleSuccess(ctx, rec, cost, description)
	if err == nil {
		c.metrics.Settled(StatusCompleted, now.Sub(admitted))
		c.metrics.Debited(cost)
		c.log.Info().
			Str("uuid", rec.UUID).
			Int64("account_id", rec.AccountID).
			Str("cost", cost.String()).
			Int64("process_time_ms", rec.ProcessTimeMS).
			Msg("work settled")
		return rec, nil
	}

	if IsInsufficientBalance(err) {
		// A concurrent settlement drained the balance after this
		// request was authorized. The conditional debit applied
		// nothing; settle as failed and surface the typed rejection.
		rec.Status = StatusProcessing
		rec.TotalCost = nil
		rec.CompletedAt = nil
		finalized, ferr := c.settleFailure(ctx, rec, err, admitted)
		if ferr != nil {
			return finalized, ferr
		}
		return finalized, err
	}
	if errors.Is(err, ErrAlreadySettled) {
		c.log.Warn().Str("uuid", rec.UUID).Msg("duplicate settlement attempt ignored")
		current, gerr := c.store.WorkRecordByUUID(ctx, rec.UUID)
		if gerr != nil {
			return rec, fmt.Errorf("reload settled record: %w", gerr)
		}
		return current, nil
	}
	return rec, fmt.Errorf("settle work record %s: %w", rec.UUID, err)
}

func (c *Coordinator) settleFailure(ctx context.Context, rec *WorkRecord, cause error, admitted time.Time) (*WorkRecord, error) {
	now := time.Now()
	rec.Status = StatusFailed
	rec.FailureReason = cause.Error()
	rec.CompletedAt = &now

	if err := c.store.SettleFailure(ctx, rec); err != nil {
		if errors.Is(err, ErrAlreadySettled) {
			c.log.Warn().Str("uuid", rec.UUID).Msg("duplicate settlement attempt ignored")
			current, gerr := c.store.WorkRecordByUUID(ctx, rec.UUID)
			if gerr != nil {
				return rec, fmt.Errorf("reload settled record: %w", gerr)
			}
			return current, nil
		}
		return rec, fmt.Errorf("settle failed work record %s: %w", rec.UUID, err)
	}

	c.metrics.Settled(StatusFailed, now.Sub(admitted))
	c.log.Warn().
		Str("uuid", rec.UUID).
		Int64("account_id", rec.AccountID).
		Str("reason", rec.FailureReason).
		Msg("work failed, no charge")
	return rec, nil
}
