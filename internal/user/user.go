// Package user defines the user model used throughout the application,
// particularly for authentication and post ownership.
package user

import "time"

// User represents a registered account.
type User struct {
	// ID is the unique identifier of the user, meaning a UUID.
	ID string

	// Email is unique and compared exactly as stored.
	Email string

	// PasswordHash is a bcrypt hash. It never leaves the server.
	PasswordHash string

	IsActive bool

	CreatedAt time.Time
}
