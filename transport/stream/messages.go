package stream

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/layer-3/gatekeeper/core"
)

// Protocol identifiers, one per request/response protocol
const (
	ProtocolRegistryWrite = "/gatekeeper/registry/1.0.0"
	ProtocolRegistryQuery = "/gatekeeper/registry-query/1.0.0"
	ProtocolProof         = "/gatekeeper/proof/1.0.0"
	ProtocolPermission    = "/gatekeeper/permission/1.0.0"
	ProtocolHandshake     = "/gatekeeper/handshake/1.0.0"
)

// Actions carried in the "action" field
const (
	ActionGet       = "get"
	ActionList      = "list"
	ActionDelete    = "delete"
	ActionChallenge = "challenge"
	ActionProof     = "proof"
	ActionRequest   = "request"
	ActionRespond   = "respond"
	ActionCheck     = "check"
	ActionGetStatus = "get_status"
)

// Error texts for undecodable messages
const (
	MessageInvalidJSON   = "Invalid JSON"
	MessageInvalidFormat = "Invalid format"
)

// Reply carries the fields common to every response
type Reply struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Err returns the error carried by a failed reply
func (r Reply) Err() error {
	if r.Success {
		return nil
	}
	switch r.Error {
	case MessageInvalidJSON:
		return ErrInvalidJSON
	case MessageInvalidFormat:
		return core.ErrInvalidFormat
	case ErrMessageTooLarge.Error():
		return ErrMessageTooLarge
	}
	return core.FromWireMessage(r.Error)
}

// WriteRequest is a legacy registry write
type WriteRequest struct {
	Key          string          `json:"key"`
	Value        string          `json:"value"`
	EndpointMeta json.RawMessage `json:"endpointMeta,omitempty"`
}

// QueryRequest is a registry query
type QueryRequest struct {
	Action    string `json:"action"`
	Key       string `json:"key,omitempty"`
	Identity  string `json:"identity,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

// QueryReply answers a QueryRequest
type QueryReply struct {
	Reply
	Value     string   `json:"value,omitempty"`
	Found     *bool    `json:"found,omitempty"`
	Keys      []string `json:"keys,omitempty"`
	Count     *int     `json:"count,omitempty"`
	Deleted   *bool    `json:"deleted,omitempty"`
	Challenge string   `json:"challenge,omitempty"`
}

// ProofRequest asks for a registration challenge or answers one
type ProofRequest struct {
	Action    string `json:"action"`
	Identity  string `json:"identity"`
	Challenge string `json:"challenge,omitempty"`
	Signature []byte `json:"signature,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
}

// ProofReply answers a ProofRequest
type ProofReply struct {
	Reply
	Challenge string `json:"challenge,omitempty"`
	Verified  *bool  `json:"verified,omitempty"`
}

// PermissionMessage is a connection permission request
type PermissionMessage struct {
	Action        string `json:"action"`
	Target        string `json:"target,omitempty"`
	Requester     string `json:"requester,omitempty"`
	RequesterHint string `json:"requesterHint,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	Accepted      *bool  `json:"accepted,omitempty"`
	Signature     []byte `json:"signature,omitempty"`
}

// PermissionReply answers request and respond actions
type PermissionReply struct {
	Reply
	RequestID string `json:"requestId,omitempty"`
	Accepted  *bool  `json:"accepted,omitempty"`
}

// PendingRequest describes an inbound request in a CheckReply
type PendingRequest struct {
	RequestID     string    `json:"requestId"`
	Requester     string    `json:"requester"`
	RequesterHint string    `json:"requesterHint,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// CheckReply answers a check action
type CheckReply struct {
	Reply
	PendingRequests []PendingRequest `json:"pendingRequests"`
}

// StatusReply answers a get_status action
type StatusReply struct {
	Reply
	Status      core.PermissionStatus `json:"status,omitempty"`
	Accepted    bool                  `json:"accepted"`
	RespondedAt *time.Time            `json:"respondedAt"`
}

func fail(err error) Reply {
	return Reply{Success: false, Error: errorMessage(err)}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidJSON):
		return MessageInvalidJSON
	case errors.Is(err, core.ErrInvalidFormat):
		return MessageInvalidFormat
	case errors.Is(err, ErrMessageTooLarge):
		return ErrMessageTooLarge.Error()
	}
	msg, _ := core.WireMessage(err)
	return msg
}

func ptr[T any](v T) *T {
	return &v
}
