package core

import "time"

// Purpose namespaces challenges so a challenge issued for one flow cannot be
// replayed in another.
type Purpose string

const (
	PurposeRegistry        Purpose = "registry"
	PurposeRegistryDelete  Purpose = "registry-delete"
	PurposeHandshake       Purpose = "handshake"
	PurposeHandshakeMutual Purpose = "handshake-mutual"
)

// ChallengeStatus is the lifecycle state of a challenge
type ChallengeStatus string

const (
	ChallengePending     ChallengeStatus = "pending"
	ChallengeVerified    ChallengeStatus = "verified"
	ChallengeEstablished ChallengeStatus = "established"
)

// Challenge represents a single-use proof-of-possession challenge
type Challenge struct {
	Purpose   Purpose         `json:"purpose"`    // Flow the challenge belongs to
	Identity  string          `json:"identity"`   // Identity (or session key) the challenge was issued for
	Value     string          `json:"value"`      // Random token to be signed
	IssuedAt  time.Time       `json:"issued_at"`  // When the challenge was created
	ExpiresAt time.Time       `json:"expires_at"` // When the challenge expires
	Status    ChallengeStatus `json:"status"`
}

// Expired reports whether the challenge is past its expiry at now.
func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ChallengeKey returns the store key for a (purpose, identity) pair.
func ChallengeKey(purpose Purpose, identity string) string {
	return string(purpose) + "/" + identity
}
