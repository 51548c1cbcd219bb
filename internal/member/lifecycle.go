package member

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"guild-ledger/internal/models"
)

// Lifecycle is the member state machine. Each operation reads the current
// record, decides the partition transition and writes it back through the
// Store. Callers must not run two operations for the same discord id
// concurrently; the event processor serializes per id.
type Lifecycle struct {
	log   *slog.Logger
	store Store
	now   func() time.Time
}

func NewLifecycle(log *slog.Logger, store Store) *Lifecycle {
	return &Lifecycle{
		log:   log,
		store: store,
		now:   time.Now,
	}
}

// Join records a member entering the guild. A first-time member gets a fresh
// active row with empty histories and no cached role; a returning member is
// restored from the removed partition with histories carried over. A
// redelivered join for a member who is already active refreshes identity
// fields and nothing else.
func (l *Lifecycle) Join(ctx context.Context, snap models.MemberSnapshot) error {
	now := l.now()

	removed, err := l.store.Get(ctx, models.PartitionRemoved, snap.DiscordID)
	if err == nil {
		return l.restore(ctx, removed, snap, now)
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("join %s: %w", snap.DiscordID, err)
	}

	active, err := l.store.Get(ctx, models.PartitionActive, snap.DiscordID)
	if err == nil {
		active.Name = snap.Name
		active.DisplayName = snap.DisplayName
		active.Nickname = snap.Nickname
		active.UpdatedAt = &now
		if err := l.store.Update(ctx, models.PartitionActive, active); err != nil {
			return fmt.Errorf("join upsert %s: %w", snap.DiscordID, err)
		}
		l.log.Debug("member_join_redelivered", "discord_id", snap.DiscordID)
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("join %s: %w", snap.DiscordID, err)
	}

	joined := snap.JoinedAt
	if joined.IsZero() {
		joined = now
	}

	rec := &models.MemberRecord{
		DiscordID:         snap.DiscordID,
		Name:              snap.Name,
		DisplayName:       snap.DisplayName,
		Nickname:          snap.Nickname,
		RoleID:            nil, // role assignment is the adapter's side effect
		Bot:               snap.Bot,
		PreviousNames:     []string{},
		PreviousNicknames: []string{},
		CreatedAt:         snap.CreatedAt,
		JoinedAt:          joined,
	}
	if err := l.store.Insert(ctx, models.PartitionActive, rec); err != nil {
		return fmt.Errorf("join insert %s: %w", snap.DiscordID, err)
	}

	l.log.Info("member_joined", "discord_id", snap.DiscordID, "name", snap.Name)
	return nil
}

// restore moves a previously removed member back to active. The member may
// have renamed while away, so the stale name and nickname go into history
// before the snapshot overwrites them.
func (l *Lifecycle) restore(ctx context.Context, rec *models.MemberRecord, snap models.MemberSnapshot, now time.Time) error {
	if rec.Name != snap.Name {
		rec.PreviousNames = Prepend(rec.PreviousNames, rec.Name)
	}
	if rec.Nickname != nil && !equalPtr(rec.Nickname, snap.Nickname) {
		rec.PreviousNicknames = Prepend(rec.PreviousNicknames, *rec.Nickname)
	}

	rec.Name = snap.Name
	rec.DisplayName = snap.DisplayName
	rec.Nickname = snap.Nickname
	rec.RoleID = nil
	rec.UpdatedAt = &now

	if err := l.store.Update(ctx, models.PartitionRemoved, rec); err != nil {
		return fmt.Errorf("restore %s: %w", rec.DiscordID, err)
	}
	if err := l.store.Move(ctx, rec.DiscordID, models.PartitionRemoved, models.PartitionActive, now); err != nil {
		return fmt.Errorf("restore %s: %w", rec.DiscordID, err)
	}

	l.log.Info("member_restored", "discord_id", rec.DiscordID, "name", snap.Name)
	return nil
}

// Leave records a member leaving or being kicked. A member already recorded
// as banned stays banned: the ban owns the audit trail and the trailing
// remove event is suppressed.
func (l *Lifecycle) Leave(ctx context.Context, id string) error {
	banned, err := l.store.Exists(ctx, models.PartitionBanned, id)
	if err != nil {
		return fmt.Errorf("leave %s: %w", id, err)
	}
	if banned {
		l.log.Debug("member_leave_suppressed_after_ban", "discord_id", id)
		return nil
	}

	if err := l.store.Move(ctx, id, models.PartitionActive, models.PartitionRemoved, l.now()); err != nil {
		return fmt.Errorf("leave %s: %w", id, err)
	}

	l.log.Info("member_removed", "discord_id", id)
	return nil
}

// Ban moves a member into the banned partition. The source is normally the
// active partition, but a leave event racing ahead of the ban may already
// have moved the row, so the removed partition is tried second. Ban is
// authoritative either way.
func (l *Lifecycle) Ban(ctx context.Context, id string) error {
	now := l.now()

	err := l.store.Move(ctx, id, models.PartitionActive, models.PartitionBanned, now)
	if err != nil && IsConsistency(err) {
		err = l.store.Move(ctx, id, models.PartitionRemoved, models.PartitionBanned, now)
	}
	if err != nil {
		return fmt.Errorf("ban %s: %w", id, err)
	}

	l.log.Info("member_banned", "discord_id", id)
	return nil
}

// Unban moves a member from banned to removed. An unbanned member is not
// back in the guild; only a later join makes them active again.
func (l *Lifecycle) Unban(ctx context.Context, id string) error {
	if err := l.store.Move(ctx, id, models.PartitionBanned, models.PartitionRemoved, l.now()); err != nil {
		return fmt.Errorf("unban %s: %w", id, err)
	}

	l.log.Info("member_unbanned", "discord_id", id)
	return nil
}

// RecordNameChange updates the account name of an active member. The first
// observed value replaces in place; every later change pushes the old value
// onto the name history first.
func (l *Lifecycle) RecordNameChange(ctx context.Context, id string, before *string, after, displayName string) error {
	rec, err := l.store.Get(ctx, models.PartitionActive, id)
	if err != nil {
		return fmt.Errorf("name change %s: %w", id, err)
	}

	if before != nil {
		rec.PreviousNames = Prepend(rec.PreviousNames, *before)
	}
	rec.Name = after
	rec.DisplayName = displayName
	now := l.now()
	rec.UpdatedAt = &now

	if err := l.store.Update(ctx, models.PartitionActive, rec); err != nil {
		return fmt.Errorf("name change %s: %w", id, err)
	}
	return nil
}

// RecordNicknameChange mirrors RecordNameChange for the guild nickname. A
// nil before means the member set a nickname for the first time, which does
// not belong in history.
func (l *Lifecycle) RecordNicknameChange(ctx context.Context, id string, before, after *string, displayName string) error {
	rec, err := l.store.Get(ctx, models.PartitionActive, id)
	if err != nil {
		return fmt.Errorf("nickname change %s: %w", id, err)
	}

	if before != nil {
		rec.PreviousNicknames = Prepend(rec.PreviousNicknames, *before)
	}
	rec.Nickname = after
	rec.DisplayName = displayName
	now := l.now()
	rec.UpdatedAt = &now

	if err := l.store.Update(ctx, models.PartitionActive, rec); err != nil {
		return fmt.Errorf("nickname change %s: %w", id, err)
	}
	return nil
}

// SetTopRole caches the member's current top role.
func (l *Lifecycle) SetTopRole(ctx context.Context, id string, roleID string) error {
	if err := l.store.SetRole(ctx, id, &roleID, l.now()); err != nil {
		return fmt.Errorf("role change %s: %w", id, err)
	}
	return nil
}

func equalPtr(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}
