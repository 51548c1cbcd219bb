package db

import "context"

// The three member tables share one shape on purpose: a lifecycle move is a
// row copy between them, so any column drift would corrupt the copy.
const memberColumns = `
	discord_id         TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	display_name       TEXT NOT NULL,
	nickname           TEXT,
	role_id            TEXT,
	bot                BOOLEAN NOT NULL DEFAULT FALSE,
	previous_names     TEXT[] NOT NULL DEFAULT '{}',
	previous_nicknames TEXT[] NOT NULL DEFAULT '{}',
	created_at         TIMESTAMPTZ NOT NULL,
	joined_at          TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ,
	removed_at         TIMESTAMPTZ,
	banned_at          TIMESTAMPTZ
`

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS active_members (` + memberColumns + `)`,
	`CREATE TABLE IF NOT EXISTS removed_members (` + memberColumns + `)`,
	`CREATE TABLE IF NOT EXISTS banned_members (` + memberColumns + `)`,
	`CREATE TABLE IF NOT EXISTS guild_roles (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		color       INTEGER NOT NULL DEFAULT 0,
		hoist       BOOLEAN NOT NULL DEFAULT FALSE,
		position    INTEGER NOT NULL DEFAULT 0,
		managed     BOOLEAN NOT NULL DEFAULT FALSE,
		mentionable BOOLEAN NOT NULL DEFAULT FALSE,
		is_default  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS index_active_member_name ON active_members (lower(name))`,
	`CREATE INDEX IF NOT EXISTS index_active_member_nickname ON active_members (lower(nickname))`,
	`CREATE INDEX IF NOT EXISTS index_removed_member_name ON removed_members (lower(name))`,
	`CREATE INDEX IF NOT EXISTS index_banned_member_name ON banned_members (lower(name))`,
	`CREATE INDEX IF NOT EXISTS index_role_name ON guild_roles (lower(name))`,
	`CREATE INDEX IF NOT EXISTS index_active_member_role ON active_members (role_id)`,
}

// Migrate creates the ledger tables if they do not exist yet. Statements are
// idempotent so every binary can run this at startup.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := d.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
