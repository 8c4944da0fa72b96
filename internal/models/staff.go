package models

import (
	"strings"
	"time"
)

// Role is a clinical staff role. It drives the access policy.
type Role string

const (
	RolePsychiatrist Role = "psychiatrist"
	RolePsychologist Role = "psychologist"
	RoleTherapist    Role = "therapist"
	RoleNurse        Role = "nurse"
	RoleAdmin        Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RolePsychiatrist, RolePsychologist, RoleTherapist, RoleNurse, RoleAdmin:
		return true
	}
	return false
}

// Staff account status. Timed locks live in LockoutRecord, not here.
const (
	StaffStatusActive   = "active"
	StaffStatusInactive = "inactive"
)

type StaffAccount struct {
	ID           string
	Email        string
	Name         string
	Role         Role
	PasswordHash string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (s *StaffAccount) IsActive() bool {
	return s.Status == StaffStatusActive
}

// NormalizeIdentifier lowercases and trims a login identifier.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
