package roles

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"guild-ledger/internal/member"
	"guild-ledger/internal/models"
)

type fakeResolver struct {
	topRoles map[string]string
}

func (f *fakeResolver) TopRole(memberID string) (string, bool) {
	r, ok := f.topRoles[memberID]
	return r, ok
}

type fakeAssigner struct {
	assigned []string
}

func (f *fakeAssigner) AssignFallback(_ context.Context, memberID string) error {
	f.assigned = append(f.assigned, memberID)
	return nil
}

func roleRecord(id, name string, position int) models.RoleRecord {
	return models.RoleRecord{
		ID:        id,
		Name:      name,
		Position:  position,
		CreatedAt: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func activeMember(t *testing.T, store *member.MemStore, id, roleID string) {
	t.Helper()

	rec := &models.MemberRecord{
		DiscordID:         id,
		Name:              "m" + id,
		DisplayName:       "m" + id,
		PreviousNames:     []string{},
		PreviousNicknames: []string{},
		CreatedAt:         time.Now(),
		JoinedAt:          time.Now(),
	}
	if roleID != "" {
		rec.RoleID = &roleID
	}
	if err := store.Insert(context.Background(), models.PartitionActive, rec); err != nil {
		t.Fatalf("insert member %s: %v", id, err)
	}
}

func TestRoleUpdated_PromotionCorrectsCachedTopRoles(t *testing.T) {
	store := member.NewMemStore()
	ctx := context.Background()

	// moderator is promoted above admin; live state already reflects it
	resolver := &fakeResolver{topRoles: map[string]string{
		"1": "moderator",
		"2": "moderator",
		"3": "admin",
	}}

	activeMember(t, store, "1", "admin")     // stale cache
	activeMember(t, store, "2", "moderator") // already correct
	activeMember(t, store, "3", "admin")     // admin really is their top role

	rec := NewReconciler(slog.New(slog.NewTextHandler(io.Discard, nil)), store, resolver, &fakeAssigner{}, "everyone")

	before := roleRecord("moderator", "Moderator", 5)
	after := roleRecord("moderator", "Moderator", 9)
	if err := rec.RoleUpdated(ctx, before, after); err != nil {
		t.Fatalf("role updated: %v", err)
	}

	for id, want := range map[string]string{"1": "moderator", "2": "moderator", "3": "admin"} {
		m, err := store.Get(ctx, models.PartitionActive, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if m.RoleID == nil || *m.RoleID != want {
			t.Errorf("member %s: expected cached role %s, got %v", id, want, m.RoleID)
		}
	}
}

func TestRoleUpdated_DemotionDoesNotRescan(t *testing.T) {
	store := member.NewMemStore()
	ctx := context.Background()

	resolver := &fakeResolver{topRoles: map[string]string{"1": "moderator"}}
	activeMember(t, store, "1", "admin")

	rec := NewReconciler(slog.New(slog.NewTextHandler(io.Discard, nil)), store, resolver, &fakeAssigner{}, "everyone")

	before := roleRecord("moderator", "Moderator", 9)
	after := roleRecord("moderator", "Moderator", 5)
	if err := rec.RoleUpdated(ctx, before, after); err != nil {
		t.Fatalf("role updated: %v", err)
	}

	m, _ := store.Get(ctx, models.PartitionActive, "1")
	if m.RoleID == nil || *m.RoleID != "admin" {
		t.Errorf("demotion must leave caches alone, got %v", m.RoleID)
	}
}

func TestRoleUpdated_RewritesRoleRow(t *testing.T) {
	store := member.NewMemStore()
	ctx := context.Background()

	rec := NewReconciler(slog.New(slog.NewTextHandler(io.Discard, nil)), store, &fakeResolver{}, &fakeAssigner{}, "everyone")

	if err := rec.RoleCreated(ctx, roleRecord("r1", "Old Name", 3)); err != nil {
		t.Fatalf("role created: %v", err)
	}
	if err := rec.RoleUpdated(ctx, roleRecord("r1", "Old Name", 3), roleRecord("r1", "New Name", 3)); err != nil {
		t.Fatalf("role updated: %v", err)
	}

	role, err := store.GetRole(ctx, "r1")
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if role.Name != "New Name" {
		t.Errorf("expected role renamed in place, got %s", role.Name)
	}
}

func TestRoleDeleted_ReassignsFallbackHoldersFirst(t *testing.T) {
	store := member.NewMemStore()
	ctx := context.Background()

	assigner := &fakeAssigner{}
	rec := NewReconciler(slog.New(slog.NewTextHandler(io.Discard, nil)), store, &fakeResolver{}, assigner, "everyone")

	if err := rec.RoleCreated(ctx, roleRecord("doomed", "Doomed", 2)); err != nil {
		t.Fatalf("role created: %v", err)
	}

	activeMember(t, store, "1", "everyone")
	activeMember(t, store, "2", "doomed")
	activeMember(t, store, "3", "everyone")

	if err := rec.RoleDeleted(ctx, "doomed"); err != nil {
		t.Fatalf("role deleted: %v", err)
	}

	if len(assigner.assigned) != 2 {
		t.Errorf("expected 2 fallback assignments, got %v", assigner.assigned)
	}
	if _, err := store.GetRole(ctx, "doomed"); err == nil {
		t.Error("expected role row deleted")
	}
}
