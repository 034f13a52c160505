package core

// HandshakeState is a state of the four-round mutual handshake
type HandshakeState int

const (
	AwaitChallenge HandshakeState = iota
	AwaitVerification
	AwaitMutualChallenge
	AwaitMutualVerification
	Established
	Failed
)

func (s HandshakeState) String() string {
	switch s {
	case AwaitChallenge:
		return "await_challenge"
	case AwaitVerification:
		return "await_verification"
	case AwaitMutualChallenge:
		return "await_mutual_challenge"
	case AwaitMutualVerification:
		return "await_mutual_verification"
	case Established:
		return "established"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further messages are accepted in this state.
func (s HandshakeState) Terminal() bool {
	return s == Established || s == Failed
}

// Handshake actions, in round order
const (
	ActionInitiate  = "initiate"
	ActionRespond   = "respond"
	ActionChallenge = "challenge"
	ActionVerify    = "verify"
)

// HandshakeRequest is a message sent by the handshake initiator
type HandshakeRequest struct {
	Action    string `json:"action"`
	Identity  string `json:"identity,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Signature []byte `json:"signature,omitempty"`
	// Nonce optionally asks the responder to prove its own identity in round 3
	Nonce string `json:"nonce,omitempty"`
}

// responderProofPrefix keeps a responder's nonce signature from doubling
// as an answer to any challenge
const responderProofPrefix = "gatekeeper handshake responder proof:"

// ResponderProof returns the payload a responder signs to prove its identity
// over nonce
func ResponderProof(nonce string) []byte {
	return []byte(responderProofPrefix + nonce)
}

// HandshakeReply is the responder's answer to a HandshakeRequest
type HandshakeReply struct {
	Success   bool   `json:"success"`
	Challenge string `json:"challenge,omitempty"`
	Identity  string `json:"identity,omitempty"`
	Signature []byte `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
}
