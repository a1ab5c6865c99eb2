package store

type sqliteMigration struct {
	version int
	sql     string
}

// Timestamps are stored as DATETIME so the driver scans them back into
// time.Time; all writes are normalised to UTC so text ordering is
// chronological.
var sqliteMigrations = []sqliteMigration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE COLLATE NOCASE,
	access_token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	poll_interval_minutes REAL NOT NULL DEFAULT 1,
	last_email_check DATETIME,
	use_ai_responses BOOLEAN NOT NULL DEFAULT 0,
	charity_name TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	email TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	is_whitelisted BOOLEAN NOT NULL DEFAULT 1,
	added_at DATETIME NOT NULL,
	UNIQUE (user_id, email)
);

CREATE TABLE IF NOT EXISTS pending_emails (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	message_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	snippet TEXT NOT NULL DEFAULT '',
	received_at DATETIME NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'donation_sent', 'paid', 'released')),
	donation_link_id TEXT NOT NULL DEFAULT '',
	paid_at DATETIME,
	UNIQUE (user_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_pending_emails_user_sender ON pending_emails(user_id, sender);

CREATE TABLE IF NOT EXISTS payment_intentions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	sender_email TEXT NOT NULL,
	target_email TEXT NOT NULL,
	payment_link_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	amount_cents INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	paid_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_payment_intentions_link ON payment_intentions(payment_link_id);
CREATE INDEX IF NOT EXISTS idx_payment_intentions_pair ON payment_intentions(sender_email, target_email, created_at);
CREATE INDEX IF NOT EXISTS idx_payment_intentions_status ON payment_intentions(status, created_at);

CREATE TABLE IF NOT EXISTS donations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	session_id TEXT NOT NULL UNIQUE,
	amount_cents INTEGER NOT NULL,
	sender_email TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'completed',
	paid_at DATETIME NOT NULL,
	counted BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_donations_user ON donations(user_id, paid_at);

CREATE TABLE IF NOT EXISTS email_stats (
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	stat_date TEXT NOT NULL,
	emails_filtered INTEGER NOT NULL DEFAULT 0,
	donations_received_cents INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, stat_date)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
