package member

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"guild-ledger/internal/db"
	"guild-ledger/internal/models"
)

// PostgresStore keeps the three lifecycle partitions as three physical
// tables with an identical shape, plus guild_roles.
type PostgresStore struct {
	db *db.DB
}

func NewPostgresStore(dbConn *db.DB) *PostgresStore {
	return &PostgresStore{db: dbConn}
}

var partitionTables = map[models.Partition]string{
	models.PartitionActive:  "active_members",
	models.PartitionRemoved: "removed_members",
	models.PartitionBanned:  "banned_members",
}

func tableFor(p models.Partition) (string, error) {
	t, ok := partitionTables[p]
	if !ok {
		return "", fmt.Errorf("unknown partition %q", p)
	}
	return t, nil
}

const memberColumnList = `discord_id, name, display_name, nickname, role_id, bot,
	previous_names, previous_nicknames, created_at, joined_at, updated_at, removed_at, banned_at`

func scanMember(row pgx.Row) (*models.MemberRecord, error) {
	var rec models.MemberRecord
	err := row.Scan(
		&rec.DiscordID,
		&rec.Name,
		&rec.DisplayName,
		&rec.Nickname,
		&rec.RoleID,
		&rec.Bot,
		&rec.PreviousNames,
		&rec.PreviousNicknames,
		&rec.CreatedAt,
		&rec.JoinedAt,
		&rec.UpdatedAt,
		&rec.RemovedAt,
		&rec.BannedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, p models.Partition, id string) (*models.MemberRecord, error) {
	table, err := tableFor(p)
	if err != nil {
		return nil, err
	}

	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+memberColumnList+` FROM `+table+` WHERE discord_id = $1`,
		id,
	)
	return scanMember(row)
}

func (s *PostgresStore) Exists(ctx context.Context, p models.Partition, id string) (bool, error) {
	table, err := tableFor(p)
	if err != nil {
		return false, err
	}

	var exists bool
	err = s.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+table+` WHERE discord_id = $1)`,
		id,
	).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) Insert(ctx context.Context, p models.Partition, rec *models.MemberRecord) error {
	table, err := tableFor(p)
	if err != nil {
		return err
	}

	_, err = s.db.Pool.Exec(ctx,
		`INSERT INTO `+table+` (`+memberColumnList+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
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
	)
	return err
}

func (s *PostgresStore) Update(ctx context.Context, p models.Partition, rec *models.MemberRecord) error {
	table, err := tableFor(p)
	if err != nil {
		return err
	}

	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE `+table+` SET
			name = $2,
			display_name = $3,
			nickname = $4,
			role_id = $5,
			previous_names = $6,
			previous_nicknames = $7,
			updated_at = $8
		 WHERE discord_id = $1`,
		rec.DiscordID,
		rec.Name,
		rec.DisplayName,
		rec.Nickname,
		rec.RoleID,
		rec.PreviousNames,
		rec.PreviousNicknames,
		rec.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// moveStamps yields the SELECT expressions for joined_at, updated_at,
// removed_at and banned_at when copying into the destination partition: the
// destination timestamp is stamped with $2 and the source-state timestamps
// are cleared.
func moveStamps(to models.Partition) string {
	switch to {
	case models.PartitionActive:
		return `$2::timestamptz, $2::timestamptz, NULL::timestamptz, NULL::timestamptz`
	case models.PartitionRemoved:
		return `joined_at, updated_at, $2::timestamptz, NULL::timestamptz`
	default: // banned
		return `joined_at, updated_at, NULL::timestamptz, $2::timestamptz`
	}
}

func (s *PostgresStore) Move(ctx context.Context, id string, from, to models.Partition, at time.Time) error {
	fromTable, err := tableFor(from)
	if err != nil {
		return err
	}
	toTable, err := tableFor(to)
	if err != nil {
		return err
	}

	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO `+toTable+` (`+memberColumnList+`)
			 SELECT discord_id, name, display_name, nickname, role_id, bot,
				previous_names, previous_nicknames, created_at, `+moveStamps(to)+`
			 FROM `+fromTable+` WHERE discord_id = $1
			 ON CONFLICT (discord_id) DO UPDATE SET
				name = EXCLUDED.name,
				display_name = EXCLUDED.display_name,
				nickname = EXCLUDED.nickname,
				role_id = EXCLUDED.role_id,
				bot = EXCLUDED.bot,
				previous_names = EXCLUDED.previous_names,
				previous_nicknames = EXCLUDED.previous_nicknames,
				created_at = EXCLUDED.created_at,
				joined_at = EXCLUDED.joined_at,
				updated_at = EXCLUDED.updated_at,
				removed_at = EXCLUDED.removed_at,
				banned_at = EXCLUDED.banned_at`,
			id, at,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &ConsistencyError{DiscordID: id, Partition: from}
		}

		// Clear every non-destination partition, not just the source: a ban
		// racing a half-finished leave may have left a stale copy behind.
		for _, p := range models.Partitions {
			if p == to {
				continue
			}
			table, err := tableFor(p)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE discord_id = $1`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) SetRole(ctx context.Context, id string, roleID *string, at time.Time) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE active_members SET role_id = $2, updated_at = $3 WHERE discord_id = $1`,
		id, roleID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ActiveMemberIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT discord_id FROM active_members`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) MembersWithRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT discord_id FROM active_members WHERE role_id = $1`,
		roleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const roleColumnList = `id, name, color, hoist, position, managed, mentionable, is_default, created_at`

func (s *PostgresStore) GetRole(ctx context.Context, id string) (*models.RoleRecord, error) {
	var role models.RoleRecord
	err := s.db.Pool.QueryRow(ctx,
		`SELECT `+roleColumnList+` FROM guild_roles WHERE id = $1`,
		id,
	).Scan(
		&role.ID,
		&role.Name,
		&role.Color,
		&role.Hoist,
		&role.Position,
		&role.Managed,
		&role.Mentionable,
		&role.IsDefault,
		&role.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

func (s *PostgresStore) UpsertRole(ctx context.Context, role *models.RoleRecord) error {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO guild_roles (`+roleColumnList+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			color = EXCLUDED.color,
			hoist = EXCLUDED.hoist,
			position = EXCLUDED.position,
			managed = EXCLUDED.managed,
			mentionable = EXCLUDED.mentionable,
			is_default = EXCLUDED.is_default,
			created_at = EXCLUDED.created_at`,
		role.ID,
		role.Name,
		role.Color,
		role.Hoist,
		role.Position,
		role.Managed,
		role.Mentionable,
		role.IsDefault,
		role.CreatedAt,
	)
	return err
}

func (s *PostgresStore) DeleteRole(ctx context.Context, id string) error {
	_, err := s.db.Pool.Exec(ctx, `DELETE FROM guild_roles WHERE id = $1`, id)
	return err
}
