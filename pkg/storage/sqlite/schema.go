package sqlite

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	command         TEXT NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 0,
	timeout_s       INTEGER NOT NULL,
	max_retries     INTEGER NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	state           TEXT NOT NULL,
	run_at          TEXT NOT NULL,
	next_attempt_at TEXT NOT NULL,
	claimed_by      TEXT,
	started_at      TEXT,
	finished_at     TEXT,
	exit_code       INTEGER,
	stdout          TEXT NOT NULL DEFAULT '',
	stderr          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs (state, next_attempt_at, run_at);
CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs (state, created_at);

CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// seedConfigSQL seeds the config table the first time Init runs. It is
// a no-op on existing rows (INSERT OR IGNORE), so upgrading a pre-existing
// database never clobbers an operator's `config set` changes.
const seedConfigSQL = `
INSERT OR IGNORE INTO config (key, value) VALUES
	('backoff_base', 2),
	('default_priority', 0),
	('default_timeout', 300),
	('max_retries', 3);
`
