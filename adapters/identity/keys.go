package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// GeneratePeerKey creates a new Ed25519 libp2p key
func GeneratePeerKey() (libp2pcrypto.PrivKey, error) {
	key, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// SavePeerKey writes key to path in libp2p protobuf encoding with 0600 permissions
func SavePeerKey(path string, key libp2pcrypto.PrivKey) error {
	raw, err := libp2pcrypto.MarshalPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadPeerKey reads a libp2p private key from path
func LoadPeerKey(path string) (libp2pcrypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := libp2pcrypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key file: %w", err)
	}
	return key, nil
}

// LoadOrCreatePeerKey loads the key at path, generating and saving a new one
// if the file does not exist
func LoadOrCreatePeerKey(path string) (libp2pcrypto.PrivKey, error) {
	key, err := LoadPeerKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err = GeneratePeerKey()
	if err != nil {
		return nil, err
	}
	if err := SavePeerKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadEthereumKey reads a hex-encoded secp256k1 key from path
func LoadEthereumKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load ethereum key: %w", err)
	}
	return key, nil
}

// GenerateEthereumKey creates a key and saves it hex-encoded to path
func GenerateEthereumKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ethereum key: %w", err)
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, fmt.Errorf("failed to save ethereum key: %w", err)
	}
	return key, nil
}
