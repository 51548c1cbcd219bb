package member

import (
	"context"
	"sync"
	"time"

	"guild-ledger/internal/models"
)

// MemStore is an in-memory Store with the same move semantics as
// PostgresStore. The lifecycle and reconciler tests run against it.
type MemStore struct {
	mu      sync.Mutex
	members map[models.Partition]map[string]*models.MemberRecord
	roles   map[string]*models.RoleRecord
}

func NewMemStore() *MemStore {
	m := &MemStore{
		members: make(map[models.Partition]map[string]*models.MemberRecord),
		roles:   make(map[string]*models.RoleRecord),
	}
	for _, p := range models.Partitions {
		m.members[p] = make(map[string]*models.MemberRecord)
	}
	return m
}

func cloneRecord(rec *models.MemberRecord) *models.MemberRecord {
	out := *rec
	out.PreviousNames = append([]string(nil), rec.PreviousNames...)
	out.PreviousNicknames = append([]string(nil), rec.PreviousNicknames...)
	return &out
}

func (m *MemStore) Get(_ context.Context, p models.Partition, id string) (*models.MemberRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.members[p][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemStore) Exists(_ context.Context, p models.Partition, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.members[p][id]
	return ok, nil
}

func (m *MemStore) Insert(_ context.Context, p models.Partition, rec *models.MemberRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[p][rec.DiscordID] = cloneRecord(rec)
	return nil
}

func (m *MemStore) Update(_ context.Context, p models.Partition, rec *models.MemberRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.members[p][rec.DiscordID]
	if !ok {
		return ErrNotFound
	}
	cur.Name = rec.Name
	cur.DisplayName = rec.DisplayName
	cur.Nickname = rec.Nickname
	cur.RoleID = rec.RoleID
	cur.PreviousNames = append([]string(nil), rec.PreviousNames...)
	cur.PreviousNicknames = append([]string(nil), rec.PreviousNicknames...)
	cur.UpdatedAt = rec.UpdatedAt
	return nil
}

func (m *MemStore) Move(_ context.Context, id string, from, to models.Partition, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.members[from][id]
	if !ok {
		return &ConsistencyError{DiscordID: id, Partition: from}
	}

	moved := cloneRecord(src)
	switch to {
	case models.PartitionActive:
		moved.JoinedAt = at
		moved.UpdatedAt = &at
		moved.RemovedAt = nil
		moved.BannedAt = nil
	case models.PartitionRemoved:
		moved.RemovedAt = &at
		moved.BannedAt = nil
	case models.PartitionBanned:
		moved.BannedAt = &at
		moved.RemovedAt = nil
	}

	for _, p := range models.Partitions {
		if p != to {
			delete(m.members[p], id)
		}
	}
	m.members[to][id] = moved
	return nil
}

func (m *MemStore) SetRole(_ context.Context, id string, roleID *string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.members[models.PartitionActive][id]
	if !ok {
		return ErrNotFound
	}
	rec.RoleID = roleID
	rec.UpdatedAt = &at
	return nil
}

func (m *MemStore) ActiveMemberIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.members[models.PartitionActive]))
	for id := range m.members[models.PartitionActive] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemStore) MembersWithRole(_ context.Context, roleID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, rec := range m.members[models.PartitionActive] {
		if rec.RoleID != nil && *rec.RoleID == roleID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemStore) GetRole(_ context.Context, id string) (*models.RoleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	role, ok := m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *role
	return &out, nil
}

func (m *MemStore) UpsertRole(_ context.Context, role *models.RoleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := *role
	m.roles[role.ID] = &out
	return nil
}

func (m *MemStore) DeleteRole(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roles, id)
	return nil
}
