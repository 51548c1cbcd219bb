package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"guild-ledger/internal/models"
	"guild-ledger/internal/processor"
)

const testGuildID = "90000000000000000"

type fakeBackfiller struct {
	members []models.MemberRecord
	roles   []*models.RoleRecord
}

func (f *fakeBackfiller) BackfillActive(_ context.Context, recs []models.MemberRecord) (int, error) {
	f.members = append(f.members, recs...)
	return len(recs), nil
}

func (f *fakeBackfiller) UpsertRole(_ context.Context, role *models.RoleRecord) error {
	f.roles = append(f.roles, role)
	return nil
}

func testSession(t *testing.T) (*Session, *GuildState, chan processor.Event, *fakeBackfiller) {
	t.Helper()

	state := NewGuildState()
	queue := make(chan processor.Event, 16)
	bf := &fakeBackfiller{}
	sess := NewSession(slog.New(slog.NewTextHandler(io.Discard, nil)), testGuildID, state, queue, bf)
	return sess, state, queue, bf
}

func raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func TestDispatch_MemberAddProducesJoinEvent(t *testing.T) {
	sess, state, queue, _ := testSession(t)

	state.PutRole(models.RoleRecord{ID: testGuildID, Position: 0, IsDefault: true})

	sess.Dispatch("GUILD_MEMBER_ADD", 7, raw(t, map[string]interface{}{
		"guild_id":  testGuildID,
		"user":      map[string]interface{}{"id": "175928847299117063", "username": "alice", "global_name": "Alice"},
		"nick":      "al",
		"roles":     []string{},
		"joined_at": "2024-03-01T12:00:00Z",
	}))

	ev := <-queue
	if ev.Type != processor.EventMemberJoin || ev.MemberID != "175928847299117063" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Seq != 7 {
		t.Errorf("expected seq carried through, got %d", ev.Seq)
	}
	if ev.Member == nil || ev.Member.Name != "alice" || ev.Member.DisplayName != "Alice" {
		t.Errorf("unexpected snapshot: %+v", ev.Member)
	}
	if ev.Member.Nickname == nil || *ev.Member.Nickname != "al" {
		t.Errorf("unexpected nickname: %v", ev.Member.Nickname)
	}
	if ev.Member.CreatedAt.IsZero() {
		t.Error("expected creation time derived from the snowflake")
	}
	if ev.Member.JoinedAt.IsZero() {
		t.Error("expected parsed joined_at")
	}
}

func TestDispatch_OtherGuildIsIgnored(t *testing.T) {
	sess, _, queue, _ := testSession(t)

	sess.Dispatch("GUILD_MEMBER_ADD", 1, raw(t, map[string]interface{}{
		"guild_id": "other",
		"user":     map[string]interface{}{"id": "1", "username": "bob"},
	}))

	if len(queue) != 0 {
		t.Error("events for other guilds must be dropped")
	}
}

func TestDispatch_MemberUpdateCarriesBeforeSnapshot(t *testing.T) {
	sess, state, queue, _ := testSession(t)

	state.PutMember("42", "old", "old", nil, nil, false)

	sess.Dispatch("GUILD_MEMBER_UPDATE", 2, raw(t, map[string]interface{}{
		"guild_id": testGuildID,
		"user":     map[string]interface{}{"id": "42", "username": "new", "global_name": "New"},
		"roles":    []string{},
	}))

	ev := <-queue
	if ev.Type != processor.EventMemberUpdate {
		t.Fatalf("unexpected event type: %v", ev.Type)
	}
	if ev.Before == nil || ev.Before.Name != "old" {
		t.Errorf("expected before snapshot from cache, got %+v", ev.Before)
	}
	if ev.Member == nil || ev.Member.Name != "new" {
		t.Errorf("expected after snapshot from payload, got %+v", ev.Member)
	}
}

func TestDispatch_BanAndUnban(t *testing.T) {
	sess, state, queue, _ := testSession(t)

	state.PutMember("5", "eve", "eve", nil, nil, false)

	sess.Dispatch("GUILD_BAN_ADD", 3, raw(t, map[string]interface{}{
		"guild_id": testGuildID,
		"user":     map[string]interface{}{"id": "5", "username": "eve"},
	}))
	sess.Dispatch("GUILD_BAN_REMOVE", 4, raw(t, map[string]interface{}{
		"guild_id": testGuildID,
		"user":     map[string]interface{}{"id": "5", "username": "eve"},
	}))

	ban := <-queue
	unban := <-queue
	if ban.Type != processor.EventMemberBan || unban.Type != processor.EventMemberUnban {
		t.Fatalf("unexpected event order: %v then %v", ban.Type, unban.Type)
	}
	if _, ok := state.Snapshot("5"); ok {
		t.Error("banned member must leave the cache")
	}
}

func TestDispatch_RoleUpdateProducesBeforeAfter(t *testing.T) {
	sess, _, queue, _ := testSession(t)

	sess.Dispatch("GUILD_ROLE_CREATE", 1, raw(t, map[string]interface{}{
		"guild_id": testGuildID,
		"role":     map[string]interface{}{"id": "175928847299117063", "name": "Moderator", "position": 5},
	}))
	<-queue

	sess.Dispatch("GUILD_ROLE_UPDATE", 2, raw(t, map[string]interface{}{
		"guild_id": testGuildID,
		"role":     map[string]interface{}{"id": "175928847299117063", "name": "Moderator", "position": 9},
	}))

	ev := <-queue
	if ev.Type != processor.EventRoleUpdate {
		t.Fatalf("unexpected event type: %v", ev.Type)
	}
	if ev.RoleBefore == nil || ev.RoleBefore.Position != 5 {
		t.Errorf("expected before position 5, got %+v", ev.RoleBefore)
	}
	if ev.Role == nil || ev.Role.Position != 9 {
		t.Errorf("expected after position 9, got %+v", ev.Role)
	}
}

func TestDispatch_RoleUpdateForUnseenRoleBecomesCreate(t *testing.T) {
	sess, _, queue, _ := testSession(t)

	sess.Dispatch("GUILD_ROLE_UPDATE", 2, raw(t, map[string]interface{}{
		"guild_id": testGuildID,
		"role":     map[string]interface{}{"id": "77", "name": "Surprise", "position": 1},
	}))

	ev := <-queue
	if ev.Type != processor.EventRoleCreate {
		t.Errorf("expected create for unseen role, got %v", ev.Type)
	}
}

func TestDispatch_GuildCreateBackfills(t *testing.T) {
	sess, state, queue, bf := testSession(t)

	sess.Dispatch("GUILD_CREATE", 1, raw(t, map[string]interface{}{
		"id":   testGuildID,
		"name": "Test Guild",
		"roles": []map[string]interface{}{
			{"id": testGuildID, "name": "@everyone", "position": 0},
			{"id": "175928847299117063", "name": "Moderator", "position": 5},
		},
		"members": []map[string]interface{}{
			{
				"user":      map[string]interface{}{"id": "175928847299117063", "username": "alice"},
				"roles":     []string{"175928847299117063"},
				"joined_at": "2024-03-01T12:00:00Z",
			},
		},
	}))

	if len(queue) != 0 {
		t.Error("initial sync must not enqueue events")
	}
	if len(bf.roles) != 2 {
		t.Errorf("expected 2 roles synced, got %d", len(bf.roles))
	}
	if len(bf.members) != 1 {
		t.Fatalf("expected 1 member backfilled, got %d", len(bf.members))
	}

	m := bf.members[0]
	if m.PreviousNames == nil || m.PreviousNicknames == nil {
		t.Error("backfilled records need non-nil history slices")
	}
	if m.RoleID == nil || *m.RoleID != "175928847299117063" {
		t.Errorf("expected top role cached on backfill, got %v", m.RoleID)
	}
	if state.MemberCount() != 1 {
		t.Errorf("expected member cached, got %d", state.MemberCount())
	}
	if def, ok := state.DefaultRoleID(); !ok || def != testGuildID {
		t.Errorf("expected @everyone detected as default, got %s (ok=%v)", def, ok)
	}
}

func TestDispatch_UserUpdateRenamesCachedMember(t *testing.T) {
	sess, state, queue, _ := testSession(t)

	state.PutMember("8", "old", "old", nil, nil, false)

	sess.Dispatch("USER_UPDATE", 9, raw(t, map[string]interface{}{
		"id":          "8",
		"username":    "renamed",
		"global_name": "Renamed",
	}))

	ev := <-queue
	if ev.Type != processor.EventMemberUpdate {
		t.Fatalf("unexpected event type: %v", ev.Type)
	}
	if ev.Before == nil || ev.Before.Name != "old" {
		t.Errorf("expected before snapshot, got %+v", ev.Before)
	}
	if ev.Member.Name != "renamed" {
		t.Errorf("expected after name renamed, got %s", ev.Member.Name)
	}

	snap, _ := state.Snapshot("8")
	if snap.Name != "renamed" {
		t.Errorf("cache not updated: %s", snap.Name)
	}
}

func TestDispatch_UserUpdateForNonMemberIsDropped(t *testing.T) {
	sess, _, queue, _ := testSession(t)

	sess.Dispatch("USER_UPDATE", 9, raw(t, map[string]interface{}{
		"id": "not-cached", "username": "x",
	}))

	if len(queue) != 0 {
		t.Error("user updates for non-members must be dropped")
	}
}
