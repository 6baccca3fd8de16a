package domain

import "time"

// Role enumerates the capability tiers a user can hold.
type Role string

const (
	RoleClient    Role = "client"
	RoleDeveloper Role = "developer"
	RoleAdmin     Role = "admin"
)

// ParseRole validates a role string. Empty input yields the client role.
func ParseRole(value string) (Role, error) {
	if value == "" {
		return RoleClient, nil
	}
	role := Role(value)
	if !role.Valid() {
		return "", &EnumError{Field: "role", Value: value, Allowed: rolesAllowed}
	}
	return role, nil
}

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleDeveloper, RoleAdmin:
		return true
	}
	return false
}

var rolesAllowed = []string{string(RoleClient), string(RoleDeveloper), string(RoleAdmin)}

// User is the domain model for anyone who can sign in.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserSummary is the public projection of a user shown next to tickets.
type UserSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Summary projects the user into its public form.
func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Name: u.Name, Role: u.Role}
}
