package db

import (
	"context"
	"fmt"
)

// Schema is the Postgres DDL of the guardian ledger. It is idempotent.
const Schema = `
	-- Users table (one mailbox per user)
	CREATE TABLE IF NOT EXISTS users (
	    id UUID PRIMARY KEY,
	    email VARCHAR(255) NOT NULL UNIQUE,
	    access_token TEXT NOT NULL DEFAULT '',
	    refresh_token TEXT NOT NULL DEFAULT '',
	    poll_interval_minutes DOUBLE PRECISION NOT NULL DEFAULT 1,
	    last_email_check TIMESTAMP WITH TIME ZONE,
	    use_ai_responses BOOLEAN NOT NULL DEFAULT FALSE,
	    charity_name TEXT NOT NULL DEFAULT '',
	    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	-- Contacts (whitelist), one row per (user, address)
	CREATE TABLE IF NOT EXISTS contacts (
	    id UUID PRIMARY KEY,
	    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	    email VARCHAR(320) NOT NULL,
	    name TEXT NOT NULL DEFAULT '',
	    is_whitelisted BOOLEAN NOT NULL DEFAULT TRUE,
	    added_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
	    UNIQUE (user_id, email)
	);

	-- Intercepted messages, one row per (user, mailbox message id)
	CREATE TABLE IF NOT EXISTS pending_emails (
	    id UUID PRIMARY KEY,
	    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	    message_id TEXT NOT NULL,
	    sender VARCHAR(320) NOT NULL,
	    subject TEXT NOT NULL DEFAULT '',
	    snippet TEXT NOT NULL DEFAULT '',
	    received_at TIMESTAMP WITH TIME ZONE NOT NULL,
	    status VARCHAR(16) NOT NULL DEFAULT 'pending'
	        CHECK (status IN ('pending', 'donation_sent', 'paid', 'released')),
	    donation_link_id TEXT NOT NULL DEFAULT '',
	    paid_at TIMESTAMP WITH TIME ZONE,
	    UNIQUE (user_id, message_id)
	);

	CREATE INDEX IF NOT EXISTS idx_pending_emails_user_sender ON pending_emails(user_id, sender);

	-- Payment attempts, several per (sender, target) over time
	CREATE TABLE IF NOT EXISTS payment_intentions (
	    id UUID PRIMARY KEY,
	    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	    sender_email VARCHAR(320) NOT NULL,
	    target_email VARCHAR(320) NOT NULL,
	    payment_link_id TEXT NOT NULL DEFAULT '',
	    session_id TEXT NOT NULL DEFAULT '',
	    amount_cents BIGINT NOT NULL,
	    status VARCHAR(16) NOT NULL DEFAULT 'pending',
	    metadata TEXT NOT NULL DEFAULT '{}',
	    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
	    paid_at TIMESTAMP WITH TIME ZONE
	);

	CREATE INDEX IF NOT EXISTS idx_payment_intentions_link ON payment_intentions(payment_link_id);
	CREATE INDEX IF NOT EXISTS idx_payment_intentions_pair ON payment_intentions(sender_email, target_email, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_payment_intentions_status ON payment_intentions(status, created_at DESC);

	-- Donations are append-only; one per payment session
	CREATE TABLE IF NOT EXISTS donations (
	    id UUID PRIMARY KEY,
	    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	    session_id TEXT NOT NULL UNIQUE,
	    amount_cents BIGINT NOT NULL,
	    sender_email VARCHAR(320) NOT NULL,
	    status VARCHAR(16) NOT NULL DEFAULT 'completed',
	    paid_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
	    counted BOOLEAN NOT NULL DEFAULT false
	);

	CREATE INDEX IF NOT EXISTS idx_donations_user ON donations(user_id, paid_at DESC);

	-- Daily counters
	CREATE TABLE IF NOT EXISTS email_stats (
	    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	    stat_date DATE NOT NULL,
	    emails_filtered BIGINT NOT NULL DEFAULT 0,
	    donations_received_cents BIGINT NOT NULL DEFAULT 0,
	    PRIMARY KEY (user_id, stat_date)
	);
`

// Migrate applies Schema to the pool.
func Migrate(ctx context.Context) error {
	if Pool == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := Pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
