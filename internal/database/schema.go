package database

// schemas maps database names to their embedded DDL. Entity tables keep
// their key columns explicit for range queries and store the full record as
// a JSON document; the version column backs optimistic concurrency.
var schemas = map[string]string{
	"ims":   imsSchema,
	"cache": cacheSchema,
}

const imsSchema = `
CREATE TABLE IF NOT EXISTS securities (
    internal_id   TEXT PRIMARY KEY,
    market        TEXT NOT NULL,
    status        TEXT NOT NULL,
    is_basket     INTEGER NOT NULL DEFAULT 0,
    data          TEXT NOT NULL,
    version       INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_securities_market ON securities(market);

CREATE TABLE IF NOT EXISTS counterparties (
    counterparty_id TEXT PRIMARY KEY,
    data            TEXT NOT NULL,
    version         INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS aggregation_units (
    aggregation_unit_id TEXT PRIMARY KEY,
    market              TEXT NOT NULL,
    data                TEXT NOT NULL,
    version             INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS index_compositions (
    parent_security_id TEXT NOT NULL,
    effective_date     TEXT NOT NULL,
    data               TEXT NOT NULL,
    version            INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (parent_security_id, effective_date)
);

CREATE TABLE IF NOT EXISTS positions (
    book_id       TEXT NOT NULL,
    security_id   TEXT NOT NULL,
    business_date TEXT NOT NULL,
    data          TEXT NOT NULL,
    version       INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (book_id, security_id, business_date)
);
CREATE INDEX IF NOT EXISTS idx_positions_security_date
    ON positions(security_id, business_date);

CREATE TABLE IF NOT EXISTS inventory_availability (
    security_id         TEXT NOT NULL,
    counterparty_id     TEXT NOT NULL DEFAULT '',
    aggregation_unit_id TEXT NOT NULL DEFAULT '',
    calculation_type    TEXT NOT NULL,
    business_date       TEXT NOT NULL,
    data                TEXT NOT NULL,
    version             INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (security_id, counterparty_id, aggregation_unit_id,
                 calculation_type, business_date)
);
CREATE INDEX IF NOT EXISTS idx_inventory_type_date
    ON inventory_availability(calculation_type, business_date);

CREATE TABLE IF NOT EXISTS trading_limits (
    owner_id      TEXT NOT NULL,
    security_id   TEXT NOT NULL,
    business_date TEXT NOT NULL,
    data          TEXT NOT NULL,
    version       INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (owner_id, security_id, business_date)
);

CREATE TABLE IF NOT EXISTS contracts (
    contract_id   TEXT PRIMARY KEY,
    security_id   TEXT NOT NULL,
    business_date TEXT NOT NULL,
    status        TEXT NOT NULL,
    data          TEXT NOT NULL,
    version       INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_contracts_security
    ON contracts(security_id, business_date);

CREATE TABLE IF NOT EXISTS locate_requests (
    request_id    TEXT PRIMARY KEY,
    security_id   TEXT NOT NULL,
    business_date TEXT NOT NULL,
    state         TEXT NOT NULL,
    expiry_at     INTEGER,
    data          TEXT NOT NULL,
    version       INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_locates_state_expiry
    ON locate_requests(state, expiry_at);

CREATE TABLE IF NOT EXISTS calculation_rules (
    name      TEXT NOT NULL,
    version   INTEGER NOT NULL,
    rule_type TEXT NOT NULL,
    market    TEXT NOT NULL,
    status    TEXT NOT NULL,
    data      TEXT NOT NULL,
    PRIMARY KEY (name, version)
);
CREATE INDEX IF NOT EXISTS idx_rules_type_market
    ON calculation_rules(rule_type, market);

CREATE TABLE IF NOT EXISTS external_availability (
    security_id   TEXT NOT NULL,
    business_date TEXT NOT NULL,
    source_name   TEXT NOT NULL,
    quantity      TEXT NOT NULL,
    updated_at    INTEGER NOT NULL,
    PRIMARY KEY (security_id, business_date, source_name)
);

CREATE TABLE IF NOT EXISTS event_dedup (
    event_id TEXT PRIMARY KEY,
    seen_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dedup_seen ON event_dedup(seen_at);

CREATE TABLE IF NOT EXISTS outbox (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    topic        TEXT NOT NULL,
    event_id     TEXT NOT NULL,
    payload      BLOB NOT NULL,
    created_at   INTEGER NOT NULL,
    published_at INTEGER,
    attempts     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_outbox_unpublished
    ON outbox(published_at) WHERE published_at IS NULL;

CREATE TABLE IF NOT EXISTS dead_letter (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT NOT NULL,
    topic       TEXT NOT NULL,
    reason      TEXT NOT NULL,
    payload     BLOB NOT NULL,
    created_at  INTEGER NOT NULL,
    archived_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_dead_letter_unarchived
    ON dead_letter(archived_at) WHERE archived_at IS NULL;

CREATE TABLE IF NOT EXISTS quarantine (
    key        TEXT PRIMARY KEY,
    reason     TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
`

const cacheSchema = `
CREATE TABLE IF NOT EXISTS availability_cache (
    key        TEXT PRIMARY KEY,
    data       BLOB NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_availability_cache_expires
    ON availability_cache(expires_at);
`
