package models

import "time"

// Partition names a member lifecycle table. A member id lives in exactly
// one partition at a time; moving between them is a copy-and-delete.
type Partition string

const (
	PartitionActive  Partition = "active"
	PartitionRemoved Partition = "removed"
	PartitionBanned  Partition = "banned"
)

// Partitions in a stable order, for scans across all three tables.
var Partitions = []Partition{PartitionActive, PartitionRemoved, PartitionBanned}

// MemberRecord is one row of a lifecycle partition.
type MemberRecord struct {
	DiscordID         string     `json:"discord_id"`
	Name              string     `json:"name"`
	DisplayName       string     `json:"display_name"`
	Nickname          *string    `json:"nickname,omitempty"`
	RoleID            *string    `json:"role_id,omitempty"`
	Bot               bool       `json:"bot"`
	PreviousNames     []string   `json:"previous_names"`
	PreviousNicknames []string   `json:"previous_nicknames"`
	CreatedAt         time.Time  `json:"created_at"`
	JoinedAt          time.Time  `json:"joined_at"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
	RemovedAt         *time.Time `json:"removed_at,omitempty"`
	BannedAt          *time.Time `json:"banned_at,omitempty"`
}

// RoleRecord is one row of guild_roles.
type RoleRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Color       int       `json:"color"`
	Hoist       bool      `json:"hoist"`
	Position    int       `json:"position"`
	Managed     bool      `json:"managed"`
	Mentionable bool      `json:"mentionable"`
	IsDefault   bool      `json:"is_default"`
	CreatedAt   time.Time `json:"created_at"`
}

// MemberSnapshot carries the externally observed attributes of a member at
// the moment an event fired. Built by the gateway adapter.
type MemberSnapshot struct {
	DiscordID   string
	Name        string
	DisplayName string
	Nickname    *string
	TopRoleID   *string
	Bot         bool
	CreatedAt   time.Time
	JoinedAt    time.Time
}
