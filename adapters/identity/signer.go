package identity

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/gatekeeper/ports"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerSigner signs with a libp2p private key; its identity is the peer ID
type PeerSigner struct {
	key libp2pcrypto.PrivKey
	id  peer.ID
}

var _ ports.Signer = (*PeerSigner)(nil)

// NewPeerSigner creates a signer for key
func NewPeerSigner(key libp2pcrypto.PrivKey) (*PeerSigner, error) {
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer id: %w", err)
	}
	return &PeerSigner{key: key, id: id}, nil
}

func (s *PeerSigner) Identity() string {
	return s.id.String()
}

// PeerID returns the signer's peer ID
func (s *PeerSigner) PeerID() peer.ID {
	return s.id
}

// PrivateKey returns the underlying key, used to give the libp2p host the same identity
func (s *PeerSigner) PrivateKey() libp2pcrypto.PrivKey {
	return s.key
}

func (s *PeerSigner) Sign(payload []byte) ([]byte, error) {
	return s.key.Sign(payload)
}

// EthereumSigner signs EIP-191 personal messages with a secp256k1 key
type EthereumSigner struct {
	key     *ecdsa.PrivateKey
	address string
}

var _ ports.Signer = (*EthereumSigner)(nil)

// NewEthereumSigner creates a signer for key
func NewEthereumSigner(key *ecdsa.PrivateKey) *EthereumSigner {
	return &EthereumSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
}

func (s *EthereumSigner) Identity() string {
	return s.address
}

// Sign returns a 65 byte [R || S || V] signature with V in {27, 28}, the form
// produced by wallets for personal_sign
func (s *EthereumSigner) Sign(payload []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(payload), s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
