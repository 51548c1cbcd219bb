package gateway

import (
	"sync"

	"guild-ledger/internal/models"
)

type cachedMember struct {
	name        string
	displayName string
	nickname    *string
	roleIDs     []string
	bot         bool
}

// GuildState mirrors the slice of live guild state the ledger needs: the
// role list and each member's role set. It exists so that hierarchy
// questions ("what is this member's top role right now") can be answered
// without a REST round trip, which the role reconciler depends on.
type GuildState struct {
	mu      sync.RWMutex
	roles   map[string]models.RoleRecord
	members map[string]cachedMember
}

func NewGuildState() *GuildState {
	return &GuildState{
		roles:   make(map[string]models.RoleRecord),
		members: make(map[string]cachedMember),
	}
}

func (s *GuildState) PutRole(role models.RoleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role.ID] = role
}

func (s *GuildState) Role(id string) (models.RoleRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	return r, ok
}

func (s *GuildState) RemoveRole(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, id)
	for mid, m := range s.members {
		m.roleIDs = removeString(m.roleIDs, id)
		s.members[mid] = m
	}
}

// DefaultRoleID returns the guild's @everyone role, the one every member
// implicitly holds.
func (s *GuildState) DefaultRoleID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, r := range s.roles {
		if r.IsDefault {
			return id, true
		}
	}
	return "", false
}

func (s *GuildState) PutMember(id, name, displayName string, nickname *string, roleIDs []string, bot bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[id] = cachedMember{
		name:        name,
		displayName: displayName,
		nickname:    nickname,
		roleIDs:     append([]string(nil), roleIDs...),
		bot:         bot,
	}
}

// RenameMember updates identity fields without touching the role set.
func (s *GuildState) RenameMember(id, name, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return
	}
	m.name = name
	m.displayName = displayName
	s.members[id] = m
}

func (s *GuildState) RemoveMember(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, id)
}

// Snapshot returns what the cache currently believes about a member,
// including the computed top role. Used as the "before" side of update
// events.
func (s *GuildState) Snapshot(id string) (models.MemberSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[id]
	if !ok {
		return models.MemberSnapshot{}, false
	}

	snap := models.MemberSnapshot{
		DiscordID:   id,
		Name:        m.name,
		DisplayName: m.displayName,
		Nickname:    m.nickname,
		Bot:         m.bot,
	}
	if top, ok := s.topRoleLocked(m); ok {
		snap.TopRoleID = &top
	}
	return snap, true
}

// TopRole reports the highest-positioned role the member holds. Members
// without explicit roles fall through to the guild's default role.
func (s *GuildState) TopRole(memberID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[memberID]
	if !ok {
		return "", false
	}
	return s.topRoleLocked(m)
}

func (s *GuildState) topRoleLocked(m cachedMember) (string, bool) {
	best := ""
	bestPos := -1
	for _, rid := range m.roleIDs {
		r, ok := s.roles[rid]
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
	for id, r := range s.roles {
		if r.IsDefault {
			return id, true
		}
	}
	return "", false
}

func (s *GuildState) MemberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

func removeString(ss []string, drop string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}
