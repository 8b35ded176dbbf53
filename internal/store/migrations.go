package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// schemaVersionTable is created before any migration runs so the current
// version can be read the same way on every driver.
const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);`

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1. Statements
// stay within the SQL shared by sqlite and postgres.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS accounts (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL,
	imap_host        TEXT NOT NULL DEFAULT '',
	imap_port        INTEGER NOT NULL DEFAULT 0,
	imap_user        TEXT NOT NULL DEFAULT '',
	imap_pass        TEXT NOT NULL DEFAULT '',
	smtp_pass        TEXT NOT NULL DEFAULT '',
	active           INTEGER NOT NULL DEFAULT 1,
	needs_reconnect  INTEGER NOT NULL DEFAULT 0,
	reconnect_reason TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS campaigns (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'draft',
	bounce_count INTEGER NOT NULL DEFAULT 0,
	reply_count  INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS leads (
	id          TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
	email       TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'new',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	lead_id     TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
	campaign_id TEXT NOT NULL,
	account_id  TEXT NOT NULL,
	message_id  TEXT NOT NULL DEFAULT '',
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(active);
CREATE INDEX IF NOT EXISTS idx_leads_email ON leads(email);
CREATE INDEX IF NOT EXISTS idx_leads_campaign_id ON leads(campaign_id);
CREATE INDEX IF NOT EXISTS idx_events_lookup
	ON events(lead_id, type, account_id, created_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_sync_dedupe
	ON events(account_id, lead_id, type, message_id)
	WHERE message_id <> '' AND type <> 'sent';

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
