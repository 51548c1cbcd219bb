package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"guild-ledger/internal/member"
	"guild-ledger/internal/models"
)

// TopRoleResolver answers "what is member X's top role right now" from the
// live guild state. The gateway adapter implements it; the ledger itself
// never computes hierarchy.
type TopRoleResolver interface {
	TopRole(memberID string) (string, bool)
}

// FallbackAssigner grants the guild's default role to a member, a REST side
// effect owned by the gateway adapter.
type FallbackAssigner interface {
	AssignFallback(ctx context.Context, memberID string) error
}

// Reconciler keeps guild_roles and the cached top role of every active
// member consistent with role hierarchy changes.
type Reconciler struct {
	log            *slog.Logger
	store          member.Store
	resolver       TopRoleResolver
	assigner       FallbackAssigner
	fallbackRoleID string
	now            func() time.Time
}

func NewReconciler(log *slog.Logger, store member.Store, resolver TopRoleResolver, assigner FallbackAssigner, fallbackRoleID string) *Reconciler {
	return &Reconciler{
		log:            log,
		store:          store,
		resolver:       resolver,
		assigner:       assigner,
		fallbackRoleID: fallbackRoleID,
		now:            time.Now,
	}
}

func (r *Reconciler) RoleCreated(ctx context.Context, role models.RoleRecord) error {
	if err := r.store.UpsertRole(ctx, &role); err != nil {
		return fmt.Errorf("role create %s: %w", role.ID, err)
	}
	r.log.Info("role_created", "role_id", role.ID, "name", role.Name)
	return nil
}

// RoleUpdated rewrites the role row. When the role moved up the hierarchy it
// may silently have become the top role of many members at once, with no
// member-update event firing for any of them, so the cached top roles are
// re-scanned against the live state.
func (r *Reconciler) RoleUpdated(ctx context.Context, before, after models.RoleRecord) error {
	if err := r.store.UpsertRole(ctx, &after); err != nil {
		return fmt.Errorf("role update %s: %w", after.ID, err)
	}

	if after.Position > before.Position {
		return r.replaceTopRoles(ctx, after)
	}
	return nil
}

// replaceTopRoles corrects every active member whose cached role no longer
// matches their live top role. O(members) on purpose; fine for one guild.
func (r *Reconciler) replaceTopRoles(ctx context.Context, moved models.RoleRecord) error {
	ids, err := r.store.ActiveMemberIDs(ctx)
	if err != nil {
		return fmt.Errorf("role replace %s: %w", moved.ID, err)
	}

	now := r.now()
	corrected := 0
	for _, id := range ids {
		live, ok := r.resolver.TopRole(id)
		if !ok {
			continue
		}

		rec, err := r.store.Get(ctx, models.PartitionActive, id)
		if err != nil {
			if errors.Is(err, member.ErrNotFound) {
				continue
			}
			return fmt.Errorf("role replace %s: %w", moved.ID, err)
		}

		if rec.RoleID != nil && *rec.RoleID == live {
			continue
		}
		if err := r.store.SetRole(ctx, id, &live, now); err != nil {
			return fmt.Errorf("role replace %s: %w", moved.ID, err)
		}
		corrected++
	}

	r.log.Info("role_hierarchy_reconciled",
		"role_id", moved.ID,
		"position", moved.Position,
		"members_scanned", len(ids),
		"members_corrected", corrected,
	)
	return nil
}

// RoleDeleted reassigns the guild's fallback role to every member cached on
// it, then drops the role row. Every guild member always holds at least the
// default role, so the cache must never be left pointing at nothing.
func (r *Reconciler) RoleDeleted(ctx context.Context, roleID string) error {
	ids, err := r.store.MembersWithRole(ctx, r.fallbackRoleID)
	if err != nil {
		return fmt.Errorf("role delete %s: %w", roleID, err)
	}

	for _, id := range ids {
		if err := r.assigner.AssignFallback(ctx, id); err != nil {
			// non-fatal: the next member update event re-caches the role
			r.log.Warn("fallback_role_assign_failed", "discord_id", id, "error", err)
		}
	}

	if err := r.store.DeleteRole(ctx, roleID); err != nil {
		return fmt.Errorf("role delete %s: %w", roleID, err)
	}

	r.log.Info("role_deleted", "role_id", roleID, "fallback_reassigned", len(ids))
	return nil
}
