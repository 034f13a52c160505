package ports

// SignatureVerifier checks a signature made by the key behind an identity address
type SignatureVerifier interface {
	// Verify returns nil when signature is a valid signature of payload by identity.
	// It returns core.ErrInvalidIdentity for malformed or non-canonical addresses
	// and core.ErrInvalidSignature otherwise.
	Verify(identity string, payload, signature []byte) error

	// Validate checks that identity is a well-formed, canonical address
	Validate(identity string) error
}

// Signer signs payloads with the private key behind Identity
type Signer interface {
	Identity() string
	Sign(payload []byte) ([]byte, error)
}
