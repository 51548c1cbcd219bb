package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"guild-ledger/internal/models"
	"guild-ledger/internal/processor"
	"guild-ledger/internal/security"
)

// Backfiller receives the initial guild sync: the role list and every member
// the gateway reports on GUILD_CREATE. The store implements it.
type Backfiller interface {
	BackfillActive(ctx context.Context, recs []models.MemberRecord) (int, error)
	UpsertRole(ctx context.Context, role *models.RoleRecord) error
}

// Session turns raw dispatch frames into typed events for the processor and
// keeps the guild state cache current. Events for guilds other than the
// configured one are dropped.
type Session struct {
	log      *slog.Logger
	guildID  string
	state    *GuildState
	queue    chan<- processor.Event
	backfill Backfiller
	now      func() time.Time
}

func NewSession(log *slog.Logger, guildID string, state *GuildState, queue chan<- processor.Event, backfill Backfiller) *Session {
	return &Session{
		log:      log,
		guildID:  guildID,
		state:    state,
		queue:    queue,
		backfill: backfill,
		now:      time.Now,
	}
}

type userPayload struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Bot        bool   `json:"bot"`
}

func (u userPayload) displayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

type memberPayload struct {
	User     userPayload `json:"user"`
	Nick     *string     `json:"nick"`
	Roles    []string    `json:"roles"`
	JoinedAt string      `json:"joined_at"`
}

type rolePayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Color       int    `json:"color"`
	Hoist       bool   `json:"hoist"`
	Position    int    `json:"position"`
	Managed     bool   `json:"managed"`
	Mentionable bool   `json:"mentionable"`
}

func (s *Session) roleRecord(r rolePayload) models.RoleRecord {
	return models.RoleRecord{
		ID:          r.ID,
		Name:        r.Name,
		Color:       r.Color,
		Hoist:       r.Hoist,
		Position:    r.Position,
		Managed:     r.Managed,
		Mentionable: r.Mentionable,
		IsDefault:   r.ID == s.guildID, // @everyone shares the guild's id
		CreatedAt:   security.SnowflakeTime(r.ID),
	}
}

func (s *Session) memberSnapshot(m memberPayload) models.MemberSnapshot {
	snap := models.MemberSnapshot{
		DiscordID:   m.User.ID,
		Name:        m.User.Username,
		DisplayName: m.User.displayName(),
		Nickname:    m.Nick,
		Bot:         m.User.Bot,
		CreatedAt:   security.SnowflakeTime(m.User.ID),
		JoinedAt:    parseTimestamp(m.JoinedAt),
	}
	if top, ok := s.topOf(m.Roles); ok {
		snap.TopRoleID = &top
	}
	return snap
}

func (s *Session) topOf(roleIDs []string) (string, bool) {
	best := ""
	bestPos := -1
	for _, rid := range roleIDs {
		r, ok := s.state.Role(rid)
		if !ok {
			continue
		}
		if r.Position > bestPos {
			best = rid
			bestPos = r.Position
		}
	}
	if best != "" {
		return best, true
	}
	return s.state.DefaultRoleID()
}

// Dispatch parses one gateway dispatch frame. Unknown event names are
// ignored; malformed payloads are logged and dropped rather than poisoning
// the queue.
func (s *Session) Dispatch(eventName string, seq int64, data json.RawMessage) {
	switch eventName {
	case "GUILD_CREATE":
		s.handleGuildCreate(data)
	case "GUILD_MEMBER_ADD":
		s.handleMemberAdd(seq, data)
	case "GUILD_MEMBER_REMOVE":
		s.handleMemberRemove(seq, data)
	case "GUILD_MEMBER_UPDATE":
		s.handleMemberUpdate(seq, data)
	case "GUILD_BAN_ADD":
		s.handleBan(seq, data, processor.EventMemberBan)
	case "GUILD_BAN_REMOVE":
		s.handleBan(seq, data, processor.EventMemberUnban)
	case "GUILD_ROLE_CREATE":
		s.handleRoleCreate(seq, data)
	case "GUILD_ROLE_UPDATE":
		s.handleRoleUpdate(seq, data)
	case "GUILD_ROLE_DELETE":
		s.handleRoleDelete(seq, data)
	case "USER_UPDATE":
		s.handleUserUpdate(seq, data)
	}
}

// handleGuildCreate is the initial sync: the gateway sends the full role
// list and the member list it has. Roles go to the cache and the store;
// members the ledger has never seen get active rows in one bulk write.
func (s *Session) handleGuildCreate(data json.RawMessage) {
	var payload struct {
		ID      string          `json:"id"`
		Name    string          `json:"name"`
		Roles   []rolePayload   `json:"roles"`
		Members []memberPayload `json:"members"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn("guild_create_parse_failed", "error", err)
		return
	}
	if payload.ID != s.guildID {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for _, r := range payload.Roles {
		rec := s.roleRecord(r)
		s.state.PutRole(rec)
		if err := s.backfill.UpsertRole(ctx, &rec); err != nil {
			s.log.Warn("role_sync_failed", "role_id", r.ID, "error", err)
		}
	}

	recs := make([]models.MemberRecord, 0, len(payload.Members))
	now := s.now()
	for _, m := range payload.Members {
		s.state.PutMember(m.User.ID, m.User.Username, m.User.displayName(), m.Nick, m.Roles, m.User.Bot)

		joined := parseTimestamp(m.JoinedAt)
		if joined.IsZero() {
			joined = now
		}
		rec := models.MemberRecord{
			DiscordID:         m.User.ID,
			Name:              m.User.Username,
			DisplayName:       m.User.displayName(),
			Nickname:          m.Nick,
			Bot:               m.User.Bot,
			PreviousNames:     []string{},
			PreviousNicknames: []string{},
			CreatedAt:         security.SnowflakeTime(m.User.ID),
			JoinedAt:          joined,
		}
		if top, ok := s.topOf(m.Roles); ok {
			rec.RoleID = &top
		}
		recs = append(recs, rec)
	}

	inserted, err := s.backfill.BackfillActive(ctx, recs)
	if err != nil {
		s.log.Error("member_backfill_failed", "error", err)
		return
	}

	s.log.Info("guild_synced",
		"guild", payload.Name,
		"roles", len(payload.Roles),
		"members_seen", len(payload.Members),
		"members_backfilled", inserted,
	)
}

func (s *Session) handleMemberAdd(seq int64, data json.RawMessage) {
	var payload struct {
		memberPayload
		GuildID string `json:"guild_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn("member_add_parse_failed", "error", err)
		return
	}
	if payload.GuildID != s.guildID {
		return
	}

	s.state.PutMember(payload.User.ID, payload.User.Username, payload.User.displayName(), payload.Nick, payload.Roles, payload.User.Bot)

	snap := s.memberSnapshot(payload.memberPayload)
	s.queue <- processor.Event{
		Type:      processor.EventMemberJoin,
		Seq:       seq,
		Timestamp: s.now(),
		MemberID:  payload.User.ID,
		Member:    &snap,
	}
}

func (s *Session) handleMemberRemove(seq int64, data json.RawMessage) {
	var payload struct {
		GuildID string      `json:"guild_id"`
		User    userPayload `json:"user"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn("member_remove_parse_failed", "error", err)
		return
	}
	if payload.GuildID != s.guildID {
		return
	}

	s.state.RemoveMember(payload.User.ID)
	s.queue <- processor.Event{
		Type:      processor.EventMemberLeave,
		Seq:       seq,
		Timestamp: s.now(),
		MemberID:  payload.User.ID,
	}
}

func (s *Session) handleMemberUpdate(seq int64, data json.RawMessage) {
	var payload struct {
		memberPayload
		GuildID string `json:"guild_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn("member_update_parse_failed", "error", err)
		return
	}
	if payload.GuildID != s.guildID {
		return
	}

	var before *models.MemberSnapshot
	if prev, ok := s.state.Snapshot(payload.User.ID); ok {
		before = &prev
	}

	s.state.PutMember(payload.User.ID, payload.User.Username, payload.User.displayName(), payload.Nick, payload.Roles, payload.User.Bot)

	after := s.memberSnapshot(payload.memberPayload)
	s.queue <- processor.Event{
		Type:      processor.EventMemberUpdate,
		Seq:       seq,
		Timestamp: s.now(),
		MemberID:  payload.User.ID,
		Before:    before,
		Member:    &after,
	}
}

func (s *Session) handleBan(seq int64, data json.RawMessage, typ processor.EventType) {
	var payload struct {
		GuildID string      `json:"guild_id"`
		User    userPayload `json:"user"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn("ban_event_parse_failed", "error", err)
		return
	}
	if payload.GuildID != s.guildID {
		return
	}

	if typ == processor.EventMemberBan {
		s.state.RemoveMember(payload.User.ID)
	}
	s.queue <- processor.Event{
		Type:      typ,
		Seq:       seq,
		Timestamp: s.now(),
		MemberID:  payload.User.ID,
	}
}

func (s *Session) handleRoleCreate(seq int64, data json.RawMessage) {
	var payload struct {
		GuildID string      `json:"guild_id"`
		Role    rolePayload `json:"role"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn("role_create_parse_failed", "error", err)
		return
	}
	if payload.GuildID != s.guildID {
		return
	}

	rec := s.roleRecord(payload.Role)
	s.state.PutRole(rec)
	s.queue <- processor.Event{
		Type:      processor.EventRoleCreate,
		Seq:       seq,
		Timestamp: s.now(),
		Role:      &rec,
	}
}

func (s *Session) handleRoleUpdate(seq int64, data json.RawMessage) {
	var payload struct {
		GuildID string      `json:"guild_id"`
		Role    rolePayload `json:"role"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn("role_update_parse_failed", "error", err)
		return
	}
	if payload.GuildID != s.guildID {
		return
	}

	after := s.roleRecord(payload.Role)
	before, ok := s.state.Role(after.ID)
	if !ok {
		// never seen this role; treat it as a create
		s.state.PutRole(after)
		s.queue <- processor.Event{
			Type:      processor.EventRoleCreate,
			Seq:       seq,
			Timestamp: s.now(),
			Role:      &after,
		}
		return
	}

	s.state.PutRole(after)
	s.queue <- processor.Event{
		Type:       processor.EventRoleUpdate,
		Seq:        seq,
		Timestamp:  s.now(),
		Role:       &after,
		RoleBefore: &before,
	}
}

func (s *Session) handleRoleDelete(seq int64, data json.RawMessage) {
	var payload struct {
		GuildID string `json:"guild_id"`
		RoleID  string `json:"role_id"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn("role_delete_parse_failed", "error", err)
		return
	}
	if payload.GuildID != s.guildID {
		return
	}

	s.state.RemoveRole(payload.RoleID)
	s.queue <- processor.Event{
		Type:      processor.EventRoleDelete,
		Seq:       seq,
		Timestamp: s.now(),
		RoleID:    payload.RoleID,
	}
}

// handleUserUpdate covers account-level renames, which arrive outside
// GUILD_MEMBER_UPDATE. It becomes a member update against the cached state.
func (s *Session) handleUserUpdate(seq int64, data json.RawMessage) {
	var user userPayload
	if err := json.Unmarshal(data, &user); err != nil {
		s.log.Warn("user_update_parse_failed", "error", err)
		return
	}

	prev, ok := s.state.Snapshot(user.ID)
	if !ok {
		return // not a member of the tracked guild
	}

	after := prev
	after.Name = user.Username
	after.DisplayName = user.displayName()

	s.state.RenameMember(user.ID, after.Name, after.DisplayName)

	s.queue <- processor.Event{
		Type:      processor.EventMemberUpdate,
		Seq:       seq,
		Timestamp: s.now(),
		MemberID:  user.ID,
		Before:    &prev,
		Member:    &after,
	}
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
