package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
        id UUID PRIMARY KEY,
        username TEXT NOT NULL,
        phone_number TEXT NOT NULL,
        password_hash BYTEA NOT NULL,
        face_template BYTEA,
        trusted_fingerprints TEXT[] NOT NULL DEFAULT '{}',
        created_at TIMESTAMPTZ NOT NULL,
        updated_at TIMESTAMPTZ NOT NULL,
        CONSTRAINT users_username_key UNIQUE (username),
        CONSTRAINT users_phone_number_key UNIQUE (phone_number)
    )`,
	`CREATE TABLE IF NOT EXISTS pending_verifications (
        token UUID PRIMARY KEY,
        phone_number TEXT NOT NULL,
        flow TEXT NOT NULL,
        step TEXT NOT NULL,
        expected_otp TEXT,
        username TEXT,
        user_id UUID REFERENCES users (id),
        at_credentials JSONB,
        at_otp JSONB,
        otp_attempts INT NOT NULL DEFAULT 0,
        face_attempts INT NOT NULL DEFAULT 0,
        created_at TIMESTAMPTZ NOT NULL,
        expires_at TIMESTAMPTZ NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS pending_verifications_expires_at_idx ON pending_verifications (expires_at)`,
	`CREATE TABLE IF NOT EXISTS active_sessions (
        id UUID PRIMARY KEY,
        user_id UUID NOT NULL REFERENCES users (id),
        issued_at TIMESTAMPTZ NOT NULL,
        expires_at TIMESTAMPTZ NOT NULL,
        last_accessed TIMESTAMPTZ NOT NULL,
        status TEXT NOT NULL CHECK (status IN ('active', 'revoked')),
        snapshot JSONB NOT NULL,
        revoked_at TIMESTAMPTZ,
        revoke_reason TEXT
    )`,
	`CREATE UNIQUE INDEX IF NOT EXISTS active_sessions_one_active_per_user
        ON active_sessions (user_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS active_sessions_user_idx ON active_sessions (user_id, last_accessed DESC)`,
}

// EnsureSchema creates the tables the service needs if they are missing.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
