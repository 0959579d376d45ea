package domain

import "time"

// User represents an authenticated account.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}
