package member

import (
	"context"
	"time"

	"guild-ledger/internal/models"
)

// Store is the persistence contract of the lifecycle state machine and the
// role reconciler. Implementations: PostgresStore (production) and MemStore
// (tests).
type Store interface {
	// Get returns the record for id in partition p, or ErrNotFound.
	Get(ctx context.Context, p models.Partition, id string) (*models.MemberRecord, error)
	Exists(ctx context.Context, p models.Partition, id string) (bool, error)
	Insert(ctx context.Context, p models.Partition, rec *models.MemberRecord) error
	// Update rewrites the mutable identity fields of an existing row: name,
	// display name, nickname, role, both history arrays and updated_at.
	Update(ctx context.Context, p models.Partition, rec *models.MemberRecord) error
	// Move copies the row for id from one partition into another, stamps the
	// destination timestamp at `at`, clears the source-state timestamps and
	// deletes id from every non-destination partition, all in one
	// transaction. A missing source row yields a ConsistencyError.
	Move(ctx context.Context, id string, from, to models.Partition, at time.Time) error
	// SetRole updates the cached top role of an active member.
	SetRole(ctx context.Context, id string, roleID *string, at time.Time) error

	ActiveMemberIDs(ctx context.Context) ([]string, error)
	// MembersWithRole lists active members whose cached role is roleID.
	MembersWithRole(ctx context.Context, roleID string) ([]string, error)

	GetRole(ctx context.Context, id string) (*models.RoleRecord, error)
	UpsertRole(ctx context.Context, role *models.RoleRecord) error
	DeleteRole(ctx context.Context, id string) error
}
