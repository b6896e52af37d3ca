package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool opens a pgx connection pool against the conversation/lead/
// message/tenant store, mirroring the teacher's
// infrastructure.NewPostgresClient pool shape. This pool is deliberately
// separate from retrieval.NewPool's: the RPC server and the retrieval
// engine own different tables and tune their connection limits
// independently, even when both run in the same process.
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse postgres dsn: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate creates the state-store tables the RPC server owns. The
// retrieval engine's knowledge_items table is migrated separately
// (retrieval.Migrate) since that store is consulted directly by the
// pipeline process, not through this RPC surface (spec §4.5, §4.7).
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			phone_number_id TEXT UNIQUE NOT NULL,
			access_token TEXT NOT NULL,
			business_description TEXT NOT NULL DEFAULT '',
			flow_prompt TEXT NOT NULL DEFAULT '',
			ctas JSONB NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS leads (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			phone TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			UNIQUE (tenant_id, phone)
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id),
			lead_id TEXT NOT NULL REFERENCES leads(id),
			mode TEXT NOT NULL DEFAULT 'BOT',
			stage TEXT NOT NULL DEFAULT 'greeting',
			intent_level TEXT NOT NULL DEFAULT 'unknown',
			user_sentiment TEXT NOT NULL DEFAULT 'neutral',
			rolling_summary TEXT NOT NULL DEFAULT '',
			last_user_message_at TIMESTAMPTZ,
			last_bot_message_at TIMESTAMPTZ,
			followup_count_24h INT NOT NULL DEFAULT 0,
			total_nudges INT NOT NULL DEFAULT 0,
			needs_human_attention BOOLEAN NOT NULL DEFAULT false,
			active_cta_id TEXT,
			UNIQUE (tenant_id, lead_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			origin TEXT NOT NULL,
			content TEXT NOT NULL,
			provider_message_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS messages_provider_message_id_idx ON messages (provider_message_id) WHERE provider_message_id <> ''`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_id_idx ON messages (conversation_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS conversations_followup_idx ON conversations (mode, stage, last_bot_message_at)`,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate rpc store: %w", err)
		}
	}
	return nil
}
