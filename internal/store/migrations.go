package store

const schema = `
CREATE TABLE IF NOT EXISTS farms (
    id               INTEGER NOT NULL,
    chef             TEXT    NOT NULL,
    chain            TEXT    NOT NULL,
    protocol         TEXT    NOT NULL,
    asset_address    TEXT    NOT NULL,
    asset_symbol     TEXT    NOT NULL DEFAULT '',
    farm_type        TEXT    NOT NULL DEFAULT 'StandardAmm',
    alloc_point      REAL,
    tvl_usd          REAL,
    base_apr         REAL,
    reward_apr       REAL,
    rewards          TEXT    NOT NULL DEFAULT '[]',
    tvl_score        REAL,
    base_apr_score   REAL,
    reward_apr_score REAL,
    rewards_score    REAL,
    total_score      REAL,
    pass_id          TEXT,
    updated_at       DATETIME NOT NULL,
    PRIMARY KEY (id, chef, chain, protocol, asset_address)
);

CREATE INDEX IF NOT EXISTS idx_farms_total_score ON farms(total_score DESC);
CREATE INDEX IF NOT EXISTS idx_farms_chain ON farms(chain);

CREATE TABLE IF NOT EXISTS passes (
    id           TEXT     PRIMARY KEY,
    completed_at DATETIME NOT NULL,
    farms        INTEGER  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_passes_completed_at ON passes(completed_at DESC);
`

// columns added after the first release, applied to existing databases
var addedColumns = []struct{ table, column, ddl string }{
	{"farms", "pass_id", "ALTER TABLE farms ADD COLUMN pass_id TEXT"},
}
