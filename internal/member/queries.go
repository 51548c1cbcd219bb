package member

import (
	"context"
	"strings"

	"guild-ledger/internal/db"
	"guild-ledger/internal/models"
)

// Read-side queries used by the HTTP API and the initial sync. These live on
// PostgresStore only; the lifecycle state machine never needs them.

// Stats holds the membership counters exposed by the API.
type Stats struct {
	Active    int64 `json:"active"`
	Removed   int64 `json:"removed"`
	Banned    int64 `json:"banned"`
	Nicknames int64 `json:"nicknames"`
}

func (s *PostgresStore) MemberStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.Pool.QueryRow(ctx,
		`SELECT
			(SELECT count(*) FROM active_members),
			(SELECT count(*) FROM removed_members),
			(SELECT count(*) FROM banned_members),
			(SELECT count(nickname) FROM active_members)`,
	).Scan(&stats.Active, &stats.Removed, &stats.Banned, &stats.Nicknames)
	return stats, err
}

// Search matches active members by account name, display name or nickname.
// At most five rows come back, like the original lookup flow; the caller
// disambiguates beyond that.
func (s *PostgresStore) Search(ctx context.Context, name string) ([]models.MemberRecord, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(name)) + "%"

	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+memberColumnList+` FROM active_members
		 WHERE lower(name) LIKE $1
			OR lower(display_name) LIKE $1
			OR lower(nickname) LIKE $1
		 ORDER BY lower(display_name)
		 LIMIT 5`,
		pattern,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MemberRecord
	for rows.Next() {
		rec, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRoles(ctx context.Context) ([]models.RoleRecord, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+roleColumnList+` FROM guild_roles ORDER BY position DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RoleRecord
	for rows.Next() {
		var role models.RoleRecord
		if err := rows.Scan(
			&role.ID,
			&role.Name,
			&role.Color,
			&role.Hoist,
			&role.Position,
			&role.Managed,
			&role.Mentionable,
			&role.IsDefault,
			&role.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// Purge deletes a member from every partition. Data-retention operation,
// reachable only through the admin API.
func (s *PostgresStore) Purge(ctx context.Context, id string) (bool, error) {
	found := false
	for _, p := range models.Partitions {
		table, err := tableFor(p)
		if err != nil {
			return found, err
		}
		tag, err := s.db.Pool.Exec(ctx, `DELETE FROM `+table+` WHERE discord_id = $1`, id)
		if err != nil {
			return found, err
		}
		if tag.RowsAffected() > 0 {
			found = true
		}
	}
	return found, nil
}

// KnownIDs filters ids down to those already present in any partition.
func (s *PostgresStore) KnownIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	known := make(map[string]bool)
	for _, p := range models.Partitions {
		table, err := tableFor(p)
		if err != nil {
			return nil, err
		}
		rows, err := s.db.Pool.Query(ctx,
			`SELECT discord_id FROM `+table+` WHERE discord_id = ANY($1)`,
			ids,
		)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			known[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	return known, nil
}

// BackfillActive bulk-inserts members not yet present in any partition.
// Used on initial sync, when the gateway hands over a whole guild's member
// list at once.
func (s *PostgresStore) BackfillActive(ctx context.Context, recs []models.MemberRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.DiscordID
	}
	known, err := s.KnownIDs(ctx, ids)
	if err != nil {
		return 0, err
	}

	columns := []string{
		"discord_id", "name", "display_name", "nickname", "role_id", "bot",
		"previous_names", "previous_nicknames", "created_at", "joined_at",
		"updated_at", "removed_at", "banned_at",
	}

	rows := make([][]any, 0, len(recs))
	for _, rec := range recs {
		if known[rec.DiscordID] {
			continue
		}
		rows = append(rows, []any{
			rec.DiscordID,
			rec.Name,
			rec.DisplayName,
			rec.Nickname,
			rec.RoleID,
			rec.Bot,
			rec.PreviousNames,
			rec.PreviousNicknames,
			rec.CreatedAt,
			rec.JoinedAt,
			rec.UpdatedAt,
			rec.RemovedAt,
			rec.BannedAt,
		})
	}

	return s.db.CopyInto(ctx, "active_members", columns, rows, db.DefaultCopyConfig())
}
