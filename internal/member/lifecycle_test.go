package member

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"guild-ledger/internal/models"
)

func testLifecycle() (*Lifecycle, *MemStore) {
	store := NewMemStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLifecycle(log, store), store
}

func strptr(s string) *string { return &s }

func snapshot(id, name string) models.MemberSnapshot {
	return models.MemberSnapshot{
		DiscordID:   id,
		Name:        name,
		DisplayName: name,
		CreatedAt:   time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC),
		JoinedAt:    time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

// partitionsHolding returns every partition that currently has a row for id.
func partitionsHolding(t *testing.T, store *MemStore, id string) []models.Partition {
	t.Helper()

	var held []models.Partition
	for _, p := range models.Partitions {
		ok, err := store.Exists(context.Background(), p, id)
		if err != nil {
			t.Fatalf("exists(%s): %v", p, err)
		}
		if ok {
			held = append(held, p)
		}
	}
	return held
}

func requireOnlyIn(t *testing.T, store *MemStore, id string, want models.Partition) {
	t.Helper()

	held := partitionsHolding(t, store, id)
	if len(held) != 1 || held[0] != want {
		t.Fatalf("expected %s only in %s, found in %v", id, want, held)
	}
}

func TestJoin_FreshMember(t *testing.T) {
	lc, store := testLifecycle()
	ctx := context.Background()

	snap := snapshot("100", "alice")
	if err := lc.Join(ctx, snap); err != nil {
		t.Fatalf("join: %v", err)
	}

	requireOnlyIn(t, store, "100", models.PartitionActive)

	rec, err := store.Get(ctx, models.PartitionActive, "100")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.RoleID != nil {
		t.Errorf("expected nil role on fresh join, got %v", *rec.RoleID)
	}
	if len(rec.PreviousNames) != 0 || len(rec.PreviousNicknames) != 0 {
		t.Errorf("expected empty histories, got %v / %v", rec.PreviousNames, rec.PreviousNicknames)
	}
	if rec.Nickname != nil {
		t.Errorf("expected nil nickname, got %v", *rec.Nickname)
	}
	if !rec.JoinedAt.Equal(snap.JoinedAt) {
		t.Errorf("expected joined_at %v, got %v", snap.JoinedAt, rec.JoinedAt)
	}
}

func TestJoin_RedeliveredWhileActive(t *testing.T) {
	lc, store := testLifecycle()
	ctx := context.Background()

	if err := lc.Join(ctx, snapshot("100", "alice")); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := lc.Join(ctx, snapshot("100", "alice2")); err != nil {
		t.Fatalf("redelivered join: %v", err)
	}

	requireOnlyIn(t, store, "100", models.PartitionActive)

	rec, _ := store.Get(ctx, models.PartitionActive, "100")
	if rec.Name != "alice2" {
		t.Errorf("expected refreshed name alice2, got %s", rec.Name)
	}
}

func TestLeaveThenRejoin_RoundTrip(t *testing.T) {
	lc, store := testLifecycle()
	ctx := context.Background()

	if err := lc.Join(ctx, snapshot("100", "alice")); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := lc.Leave(ctx, "100"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	requireOnlyIn(t, store, "100", models.PartitionRemoved)
	removed, _ := store.Get(ctx, models.PartitionRemoved, "100")
	if removed.RemovedAt == nil {
		t.Fatal("expected removed_at to be stamped")
	}

	// renamed while away; rejoin must restore and record the old name
	if err := lc.Join(ctx, snapshot("100", "alicia")); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	requireOnlyIn(t, store, "100", models.PartitionActive)

	rec, _ := store.Get(ctx, models.PartitionActive, "100")
	if rec.RemovedAt != nil {
		t.Error("expected removed_at cleared after rejoin")
	}
	if rec.Name != "alicia" {
		t.Errorf("expected name alicia, got %s", rec.Name)
	}
	if len(rec.PreviousNames) != 1 || rec.PreviousNames[0] != "alice" {
		t.Errorf("expected previous names [alice], got %v", rec.PreviousNames)
	}
	if rec.UpdatedAt == nil {
		t.Error("expected updated_at refreshed on rejoin")
	}
	if !rec.JoinedAt.After(snapshot("100", "alice").JoinedAt) {
		t.Errorf("expected joined_at refreshed, got %v", rec.JoinedAt)
	}
}

func TestLeave_AfterBanIsSuppressed(t *testing.T) {
	lc, store := testLifecycle()
	ctx := context.Background()

	if err := lc.Join(ctx, snapshot("100", "alice")); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := lc.Ban(ctx, "100"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := lc.Leave(ctx, "100"); err != nil {
		t.Fatalf("leave after ban should be a no-op, got %v", err)
	}

	requireOnlyIn(t, store, "100", models.PartitionBanned)
}

func TestBan_WinsAgainstHalfFinishedLeave(t *testing.T) {
	lc, store := testLifecycle()
	ctx := context.Background()

	if err := lc.Join(ctx, snapshot("100", "alice")); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Simulate the race window of a leave that copied the row into removed
	// but has not deleted the active row yet.
	rec, _ := store.Get(ctx, models.PartitionActive, "100")
	now := time.Now()
	rec.RemovedAt = &now
	if err := store.Insert(ctx, models.PartitionRemoved, rec); err != nil {
		t.Fatalf("insert removed: %v", err)
	}

	if err := lc.Ban(ctx, "100"); err != nil {
		t.Fatalf("ban: %v", err)
	}

	requireOnlyIn(t, store, "100", models.PartitionBanned)
}

func TestBan_FromRemovedAfterLeaveRacedAhead(t *testing.T) {
	lc, store := testLifecycle()
	ctx := context.Background()

	if err := lc.Join(ctx, snapshot("100", "alice")); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := lc.Leave(ctx, "100"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := lc.Ban(ctx, "100"); err != nil {
		t.Fatalf("ban from removed: %v", err)
	}

	requireOnlyIn(t, store, "100", models.PartitionBanned)
}

func TestUnban_LandsInRemoved(t *testing.T) {
	lc, store := testLifecycle()
	ctx := context.Background()

	if err := lc.Join(ctx, snapshot("100", "alice")); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := lc.Ban(ctx, "100"); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := lc.Unban(ctx, "100"); err != nil {
		t.Fatalf("unban: %v", err)
	}

	requireOnlyIn(t, store, "100", models.PartitionRemoved)

	rec, _ := store.Get(ctx, models.PartitionRemoved, "100")
	if rec.BannedAt != nil {
		t.Error("expected banned_at cleared on unban")
	}
	if rec.RemovedAt == nil {
		t.Error("expected removed_at stamped on unban")
	}
}

func TestUnban_OfNonBannedIsConsistencyError(t *testing.T) {
	lc, store := testLifecycle()
	ctx := context.Background()

	err := lc.Unban(ctx, "404")
	if !IsConsistency(err) {
		t.Fatalf("expected consistency error, got %v", err)
	}

	if held := partitionsHolding(t, store, "404"); len(held) != 0 {
		t.Errorf("expected no spurious rows, found %v", held)
	}
}

func TestLeave_OfUnknownIsConsistencyError(t *testing.T) {
	lc, _ := testLifecycle()

	err := lc.Leave(context.Background(), "404")
	if !IsConsistency(err) {
		t.Fatalf("expected consistency error, got %v", err)
	}
}

func TestNicknameHistory_FirstObservationNotRecorded(t *testing.T) {
	lc, store := testLifecycle()
	ctx := context.Background()

	if err := lc.Join(ctx, snapshot("100", "alice")); err != nil {
		t.Fatalf("join: %v", err)
	}

	// first nickname: in-place update, no history entry
	if err := lc.RecordNicknameChange(ctx, "100", nil, strptr("Al"), "Al"); err != nil {
		t.Fatalf("first nickname: %v", err)
	}
	rec, _ := store.Get(ctx, models.PartitionActive, "100")
	if len(rec.PreviousNicknames) != 0 {
		t.Fatalf("first observation must not append, got %v", rec.PreviousNicknames)
	}

	// second change: old value goes to the front
	if err := lc.RecordNicknameChange(ctx, "100", strptr("Al"), strptr("Ali"), "Ali"); err != nil {
		t.Fatalf("second nickname: %v", err)
	}
	rec, _ = store.Get(ctx, models.PartitionActive, "100")
	if len(rec.PreviousNicknames) != 1 || rec.PreviousNicknames[0] != "Al" {
		t.Fatalf("expected history [Al], got %v", rec.PreviousNicknames)
	}
	if rec.Nickname == nil || *rec.Nickname != "Ali" {
		t.Fatalf("expected nickname Ali, got %v", rec.Nickname)
	}
}

func TestNameHistory_ReverseChronological(t *testing.T) {
	lc, store := testLifecycle()
	ctx := context.Background()

	if err := lc.Join(ctx, snapshot("100", "n0")); err != nil {
		t.Fatalf("join: %v", err)
	}

	names := []string{"n1", "n2", "n3"}
	prev := "n0"
	for _, n := range names {
		if err := lc.RecordNameChange(ctx, "100", strptr(prev), n, n); err != nil {
			t.Fatalf("rename to %s: %v", n, err)
		}
		prev = n
	}

	rec, _ := store.Get(ctx, models.PartitionActive, "100")
	want := []string{"n2", "n1", "n0"}
	if len(rec.PreviousNames) != len(want) {
		t.Fatalf("expected %d history entries, got %v", len(want), rec.PreviousNames)
	}
	for i, w := range want {
		if rec.PreviousNames[i] != w {
			t.Errorf("history[%d]: expected %s, got %s", i, w, rec.PreviousNames[i])
		}
	}
}

func TestSetTopRole(t *testing.T) {
	lc, store := testLifecycle()
	ctx := context.Background()

	if err := lc.Join(ctx, snapshot("100", "alice")); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := lc.SetTopRole(ctx, "100", "role-9"); err != nil {
		t.Fatalf("set role: %v", err)
	}

	rec, _ := store.Get(ctx, models.PartitionActive, "100")
	if rec.RoleID == nil || *rec.RoleID != "role-9" {
		t.Errorf("expected cached role role-9, got %v", rec.RoleID)
	}
	if rec.UpdatedAt == nil {
		t.Error("expected updated_at stamped on role change")
	}
}

// Full walk of the documented scenario: fresh join, two nickname changes,
// ban, unban.
func TestScenario_AliceLifecycle(t *testing.T) {
	lc, store := testLifecycle()
	ctx := context.Background()

	if err := lc.Join(ctx, snapshot("1", "Alice")); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := lc.RecordNicknameChange(ctx, "1", nil, strptr("Al"), "Al"); err != nil {
		t.Fatalf("nickname Al: %v", err)
	}
	if err := lc.RecordNicknameChange(ctx, "1", strptr("Al"), strptr("Ali"), "Ali"); err != nil {
		t.Fatalf("nickname Ali: %v", err)
	}
	if err := lc.Ban(ctx, "1"); err != nil {
		t.Fatalf("ban: %v", err)
	}

	requireOnlyIn(t, store, "1", models.PartitionBanned)
	banned, _ := store.Get(ctx, models.PartitionBanned, "1")
	if banned.BannedAt == nil {
		t.Fatal("expected banned_at stamped")
	}
	if len(banned.PreviousNicknames) != 1 || banned.PreviousNicknames[0] != "Al" {
		t.Fatalf("history must survive the move, got %v", banned.PreviousNicknames)
	}

	if err := lc.Unban(ctx, "1"); err != nil {
		t.Fatalf("unban: %v", err)
	}

	requireOnlyIn(t, store, "1", models.PartitionRemoved)
	rec, _ := store.Get(ctx, models.PartitionRemoved, "1")
	if rec.BannedAt != nil || rec.RemovedAt == nil {
		t.Errorf("expected banned_at cleared and removed_at set, got banned=%v removed=%v", rec.BannedAt, rec.RemovedAt)
	}
}
