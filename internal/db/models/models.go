package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ResourceType tags primary entities by origin. Defaults shipped with the
// service, protected cloud-managed resources and everything created through
// the API are handled differently by the managers and the migrator.
type ResourceType string

const (
	ResourceTypeUser      ResourceType = "user"
	ResourceTypeProtected ResourceType = "protected"
	ResourceTypeDefault   ResourceType = "default"
)

// User is a local API principal. PasswordHash is opaque to this package;
// hashing and verification happen behind the rbac.PasswordHasher interface.
type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID           int64        `bun:"id,pk,autoincrement"`
	Username     string       `bun:"username,notnull,unique"`
	PasswordHash string       `bun:"password_hash,notnull"`
	AllowRunAs   bool         `bun:"allow_run_as,notnull,default:false"`
	ResourceType ResourceType `bun:"resource_type,notnull,default:'user'"`
	CreatedAt    time.Time    `bun:"created_at,notnull,default:current_timestamp"`
}

// Role groups policies and rules under a name. Name length is capped at 64
// by a table check constraint.
type Role struct {
	bun.BaseModel `bun:"table:roles,alias:r"`

	ID           int64        `bun:"id,pk,autoincrement"`
	Name         string       `bun:"name,notnull,unique"`
	ResourceType ResourceType `bun:"resource_type,notnull,default:'user'"`
	CreatedAt    time.Time    `bun:"created_at,notnull,default:current_timestamp"`
}

// Rule stores an authorization-context matching rule. RuleBody holds the
// serialized JSON object; it must parse as an object (validated by the
// manager, not the schema).
type Rule struct {
	bun.BaseModel `bun:"table:rules,alias:ru"`

	ID           int64        `bun:"id,pk,autoincrement"`
	Name         string       `bun:"name,notnull,unique"`
	RuleBody     string       `bun:"rule_body,notnull"`
	ResourceType ResourceType `bun:"resource_type,notnull,default:'user'"`
	CreatedAt    time.Time    `bun:"created_at,notnull,default:current_timestamp"`
}

// Policy stores a capability triple (actions, resources, effect). Body is the
// canonical JSON text of that object and is unique on its own, so two
// policies can never share a body.
type Policy struct {
	bun.BaseModel `bun:"table:policies,alias:p"`

	ID           int64        `bun:"id,pk,autoincrement"`
	Name         string       `bun:"name,notnull,unique"`
	Body         string       `bun:"body,notnull,unique"`
	ResourceType ResourceType `bun:"resource_type,notnull,default:'user'"`
	CreatedAt    time.Time    `bun:"created_at,notnull,default:current_timestamp"`
}

// UserRole links a user to a role. Level is the zero-based position of the
// role within the user's ordered role list; for a given user the levels are
// always contiguous starting at 0.
type UserRole struct {
	bun.BaseModel `bun:"table:user_roles,alias:ur"`

	ID        int64     `bun:"id,pk,autoincrement"`
	UserID    int64     `bun:"user_id,notnull"`
	RoleID    int64     `bun:"role_id,notnull"`
	Level     int       `bun:"level,notnull,default:0"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// RolePolicy links a role to a policy, ordered by Level the same way
// UserRole orders roles within a user.
type RolePolicy struct {
	bun.BaseModel `bun:"table:roles_policies,alias:rp"`

	ID        int64     `bun:"id,pk,autoincrement"`
	RoleID    int64     `bun:"role_id,notnull"`
	PolicyID  int64     `bun:"policy_id,notnull"`
	Level     int       `bun:"level,notnull,default:0"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// RoleRule links a role to a rule. The association is unordered.
type RoleRule struct {
	bun.BaseModel `bun:"table:roles_rules,alias:rr"`

	ID        int64     `bun:"id,pk,autoincrement"`
	RoleID    int64     `bun:"role_id,notnull"`
	RuleID    int64     `bun:"rule_id,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// UserTokenRule invalidates every token of a user whose nbf claim is at or
// before NbfInvalidUntil. IsValidUntil is the reaping deadline: it is set to
// NbfInvalidUntil plus the token expiration timeout so the rule always
// outlives the tokens it invalidates.
type UserTokenRule struct {
	bun.BaseModel `bun:"table:users_token_blacklist,alias:utb"`

	UserID          int64 `bun:"user_id,pk"`
	NbfInvalidUntil int64 `bun:"nbf_invalid_until,notnull"`
	IsValidUntil    int64 `bun:"is_valid_until,notnull"`
}

// RoleTokenRule is the per-role counterpart of UserTokenRule.
type RoleTokenRule struct {
	bun.BaseModel `bun:"table:roles_token_blacklist,alias:rtb"`

	RoleID          int64 `bun:"role_id,pk"`
	NbfInvalidUntil int64 `bun:"nbf_invalid_until,notnull"`
	IsValidUntil    int64 `bun:"is_valid_until,notnull"`
}

// RunAsTokenRule invalidates tokens granted through the run_as flow. The
// table holds at most one row.
type RunAsTokenRule struct {
	bun.BaseModel `bun:"table:runas_token_blacklist,alias:ratb"`

	NbfInvalidUntil int64 `bun:"nbf_invalid_until,pk"`
	IsValidUntil    int64 `bun:"is_valid_until,notnull"`
}
