package core

import "time"

// AdminSession represents an authenticated operator of the admin API
type AdminSession struct {
	ID        string    // Unique session identifier
	Subject   string    // Operator name
	IssuedAt  time.Time // When the session was created
	ExpiresAt time.Time // When the session expires
}
