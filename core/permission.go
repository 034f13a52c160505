package core

import "time"

// PermissionStatus is the lifecycle state of a permission request
type PermissionStatus string

const (
	PermissionPending  PermissionStatus = "pending"
	PermissionAccepted PermissionStatus = "accepted"
	PermissionRejected PermissionStatus = "rejected"
)

// Resolved reports whether the status is terminal.
func (s PermissionStatus) Resolved() bool {
	return s == PermissionAccepted || s == PermissionRejected
}

// PermissionRequest is a request by Requester to connect to Target
type PermissionRequest struct {
	ID            string           `json:"id"`
	Requester     string           `json:"requester"`
	RequesterHint string           `json:"requester_hint,omitempty"`
	Target        string           `json:"target"`
	Status        PermissionStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	RespondedAt   *time.Time       `json:"responded_at,omitempty"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

// Expired reports whether the request is past its expiry at now.
func (r *PermissionRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Accepted reports whether the request was accepted.
func (r *PermissionRequest) Accepted() bool {
	return r.Status == PermissionAccepted
}

const responseProofPrefix = "gatekeeper permission response:"

// PermissionResponseProof returns the payload a target signs to answer the
// request id
func PermissionResponseProof(id string, accepted bool) []byte {
	answer := "reject"
	if accepted {
		answer = "accept"
	}
	return []byte(responseProofPrefix + id + ":" + answer)
}
