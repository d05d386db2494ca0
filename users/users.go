package users

import (
	"time"
)

// RoleType is the user's rank within the application
type RoleType string

const (
	RoleUser        RoleType = "user"        // Regular account
	RoleContributor RoleType = "contributor" // Can submit content for review
	RoleAdmin       RoleType = "admin"       // Can moderate content and users
	RoleSuperAdmin  RoleType = "superadmin"  // Can manage admins and system configuration
)

// roleRanks orders roles; anything not listed ranks below RoleUser.
var roleRanks = map[RoleType]int{
	RoleUser:        1,
	RoleContributor: 2,
	RoleAdmin:       3,
	RoleSuperAdmin:  4,
}

// Rank returns the numeric rank of the role, zero for unknown roles.
func (r RoleType) Rank() int {
	return roleRanks[r]
}

// Valid reports whether the role is one of the known ranks.
func (r RoleType) Valid() bool {
	_, ok := roleRanks[r]
	return ok
}

// User is the authenticated user record as returned by the auth API.
// This layer only ever replaces it whole.
type User struct {
	ID        string    `json:"id"`                   // Unique identifier for the user
	Username  string    `json:"username"`             // Unique username
	Email     string    `json:"email"`                // User's email address
	Role      RoleType  `json:"role"`                 // Rank used by role checks
	CreatedAt time.Time `json:"created_at,omitempty"` // Date and time when the user registered
	UpdatedAt time.Time `json:"updated_at,omitempty"` // Last profile change
}

// HasMinimumRole reports whether u ranks at or above required. A nil user ranks below every role.
func (u *User) HasMinimumRole(required RoleType) bool {
	if u == nil {
		return false
	}
	rank := u.Role.Rank()
	return rank > 0 && rank >= required.Rank()
}

// HasRole reports whether u holds exactly the given role.
func (u *User) HasRole(role RoleType) bool {
	if u == nil {
		return false
	}
	return u.Role == role
}

// IsAdmin returns true for admins and super admins
func (u *User) IsAdmin() bool {
	return u.HasMinimumRole(RoleAdmin)
}

// Clone returns a copy that callers may keep without sharing the stored record.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
