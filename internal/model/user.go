package model

import "time"

type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agente"
)

// User is a gateway operator. Each operator owns at most one live
// messaging session, keyed by its ID.
type User struct {
	ID           int64
	DNI          string
	FirstName    string
	LastName     string
	PasswordHash string
	Role         Role
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// HistoryEntry is one recorded bulk-send run.
type HistoryEntry struct {
	ID             int64
	UserID         int64
	RecipientCount int
	Message        string
	Status         string
	SentAt         time.Time
}
