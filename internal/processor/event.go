package processor

import (
	"time"

	"guild-ledger/internal/models"
)

// EventType identifies a gateway happening after the adapter has parsed it.
// The processor only ever sees these values; raw dispatch names stay in the
// gateway package.
type EventType int

const (
	EventUnknown EventType = iota
	EventMemberJoin
	EventMemberLeave
	EventMemberBan
	EventMemberUnban
	EventMemberUpdate
	EventRoleCreate
	EventRoleUpdate
	EventRoleDelete
)

func (t EventType) String() string {
	switch t {
	case EventMemberJoin:
		return "member_join"
	case EventMemberLeave:
		return "member_leave"
	case EventMemberBan:
		return "member_ban"
	case EventMemberUnban:
		return "member_unban"
	case EventMemberUpdate:
		return "member_update"
	case EventRoleCreate:
		return "role_create"
	case EventRoleUpdate:
		return "role_update"
	case EventRoleDelete:
		return "role_delete"
	default:
		return "unknown"
	}
}

// Event is one parsed gateway happening. Which fields are set depends on the
// type: member events carry MemberID and snapshots, role events carry role
// records. Seq is the gateway sequence number of the frame the event came
// from and feeds deduplication.
type Event struct {
	Type      EventType
	Seq       int64
	Timestamp time.Time

	// member events
	MemberID string
	Member   *models.MemberSnapshot // join, and the "after" of an update
	Before   *models.MemberSnapshot // update only

	// role events
	Role       *models.RoleRecord // create, and the "after" of an update
	RoleBefore *models.RoleRecord // update only
	RoleID     string             // delete
}

// shardKey picks the serialization lane for an event. Everything about one
// member runs on one lane; role events share a single lane because a
// hierarchy re-scan must not interleave with another role change.
func (e Event) shardKey() string {
	if e.MemberID != "" {
		return e.MemberID
	}
	return "roles"
}
