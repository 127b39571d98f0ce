package store

// Schema is the full DDL for the durable store. It is idempotent and
// applied by `kepler admin migrate`. Balances, prices and ledger
// amounts are BIGINT fixed-point units (see billing.Amount).
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id            BIGSERIAL PRIMARY KEY,
    identity      TEXT NOT NULL UNIQUE,
    name          TEXT NOT NULL DEFAULT '',
    balance       BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    role          TEXT NOT NULL DEFAULT 'user',
    password_hash TEXT NOT NULL DEFAULT '',
    api_key       TEXT NOT NULL UNIQUE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pricing_tiers (
    id          BIGSERIAL PRIMARY KEY,
    name        TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    base_price  BIGINT NOT NULL DEFAULT 0,
    epoch_price BIGINT NOT NULL DEFAULT 0,
    active      BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS work_records (
    id              BIGSERIAL PRIMARY KEY,
    uuid            TEXT NOT NULL UNIQUE,
    account_id      BIGINT NOT NULL REFERENCES accounts(id),
    tier_id         BIGINT NOT NULL REFERENCES pricing_tiers(id),
    input_data      TEXT NOT NULL DEFAULT '',
    target_name     TEXT NOT NULL DEFAULT 'y',
    feature_names   TEXT NOT NULL DEFAULT '[]',
    operations      TEXT NOT NULL DEFAULT '[]',
    free_constants  TEXT NOT NULL DEFAULT '[]',
    run_config      TEXT NOT NULL DEFAULT 'config0',
    stop_reward     DOUBLE PRECISION NOT NULL DEFAULT 0.999,
    parallel        BOOLEAN NOT NULL DEFAULT FALSE,
    epochs          INT NOT NULL DEFAULT 0,
    total_cost      BIGINT,
    status          TEXT NOT NULL DEFAULT 'processing',
    formula         TEXT NOT NULL DEFAULT '',
    r2              DOUBLE PRECISION,
    pareto_count    INT NOT NULL DEFAULT 0,
    failure_reason  TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at    TIMESTAMPTZ,
    queue_time_ms   BIGINT NOT NULL DEFAULT 0,
    process_time_ms BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_work_records_account ON work_records (account_id, id DESC);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id             BIGSERIAL PRIMARY KEY,
    account_id     BIGINT NOT NULL REFERENCES accounts(id),
    amount         BIGINT NOT NULL,
    description    TEXT NOT NULL DEFAULT '',
    work_record_id BIGINT REFERENCES work_records(id),
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries (account_id, id DESC);
`
