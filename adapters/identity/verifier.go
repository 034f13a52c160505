// Package identity binds identity addresses to concrete signature schemes.
//
// Two address forms are supported:
//   - libp2p peer IDs whose public key is embedded in the ID (Ed25519, secp256k1)
//   - EIP-55 checksummed Ethereum addresses, verified by public key recovery
//     over the EIP-191 personal message hash
//
// Both forms must be canonical: re-encoding the decoded address has to
// reproduce the input exactly.
package identity

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Scheme identifies an address form
type Scheme string

const (
	SchemePeer     Scheme = "libp2p"
	SchemeEthereum Scheme = "ethereum"
)

// SchemeOf returns the scheme an address claims to use. It does not validate
// the address.
func SchemeOf(identity string) Scheme {
	if strings.HasPrefix(identity, "0x") {
		return SchemeEthereum
	}
	return SchemePeer
}

// Validate checks that identity is a well-formed, canonical address
func Validate(identity string) error {
	if identity == "" {
		return fmt.Errorf("%w: empty address", core.ErrInvalidIdentity)
	}
	switch SchemeOf(identity) {
	case SchemeEthereum:
		_, err := parseEthereum(identity)
		return err
	default:
		_, err := parsePeer(identity)
		return err
	}
}

// MultiVerifier dispatches verification by address form
type MultiVerifier struct{}

var _ ports.SignatureVerifier = MultiVerifier{}

// NewVerifier returns a verifier for every supported scheme
func NewVerifier() MultiVerifier {
	return MultiVerifier{}
}

// Validate checks identity is a canonical address of a supported scheme
func (MultiVerifier) Validate(identity string) error {
	return Validate(identity)
}

// Verify checks signature over payload against identity
func (MultiVerifier) Verify(identity string, payload, signature []byte) error {
	switch SchemeOf(identity) {
	case SchemeEthereum:
		return verifyEthereum(identity, payload, signature)
	default:
		return verifyPeer(identity, payload, signature)
	}
}

func parsePeer(identity string) (peer.ID, error) {
	id, err := peer.Decode(identity)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrInvalidIdentity, err)
	}
	if id.String() != identity {
		return "", fmt.Errorf("%w: non-canonical peer id", core.ErrInvalidIdentity)
	}
	return id, nil
}

func verifyPeer(identity string, payload, signature []byte) error {
	id, err := parsePeer(identity)
	if err != nil {
		return err
	}

	pub, err := id.ExtractPublicKey()
	if err != nil {
		return fmt.Errorf("%w: public key not embedded in peer id", core.ErrInvalidIdentity)
	}

	ok, err := pub.Verify(payload, signature)
	if err != nil || !ok {
		return core.ErrInvalidSignature
	}
	return nil
}

func parseEthereum(identity string) (common.Address, error) {
	if !common.IsHexAddress(identity) {
		return common.Address{}, fmt.Errorf("%w: malformed ethereum address", core.ErrInvalidIdentity)
	}
	addr := common.HexToAddress(identity)
	if addr.Hex() != identity {
		return common.Address{}, fmt.Errorf("%w: address is not EIP-55 checksummed", core.ErrInvalidIdentity)
	}
	return addr, nil
}

func verifyEthereum(identity string, payload, signature []byte) error {
	addr, err := parseEthereum(identity)
	if err != nil {
		return err
	}
	if len(signature) != crypto.SignatureLength {
		return fmt.Errorf("signature must be %d bytes: %w", crypto.SignatureLength, core.ErrInvalidSignature)
	}

	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(payload), sig)
	if err != nil {
		return core.ErrInvalidSignature
	}
	if crypto.PubkeyToAddress(*pub) != addr {
		return core.ErrInvalidSignature
	}
	return nil
}
