// Package commands holds the gatekeeper CLI commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/spf13/cobra"

	"github.com/layer-3/gatekeeper/adapters/identity"
	"github.com/layer-3/gatekeeper/internal/config"
	"github.com/layer-3/gatekeeper/internal/logging"
	"github.com/layer-3/gatekeeper/ports"
	"github.com/layer-3/gatekeeper/transport/p2p"
	"github.com/layer-3/gatekeeper/transport/stream"
)

var (
	ConfigPath string
	LogLevel   string

	cfg *config.Config
)

// Setup loads the configuration and installs the logger. It runs before
// every command.
func Setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(ConfigPath)
	if err != nil {
		return err
	}
	if LogLevel != "" {
		loaded.Logging.Level = LogLevel
	}
	logging.Configure(os.Stderr, loaded.Logging.Format, loaded.Logging.Level)
	logging.Debug("configuration loaded",
		slog.String("path", ConfigPath),
		slog.String("level", loaded.Logging.Level))
	cfg = loaded
	return nil
}

// loadSigner returns the protocol identity: the Ethereum key when one is
// configured, the node's peer key otherwise
func loadSigner(key libp2pcrypto.PrivKey) (ports.Signer, error) {
	if cfg.Node.EthereumKeyFile != "" {
		ethKey, err := identity.LoadEthereumKey(cfg.Node.EthereumKeyFile)
		if err != nil {
			return nil, err
		}
		signer := identity.NewEthereumSigner(ethKey)
		logging.Info("using ethereum identity", logging.Identity(signer.Identity()))
		return signer, nil
	}
	return identity.NewPeerSigner(key)
}

// peer is a node connected to the intermediary
type peer struct {
	node   *p2p.Node
	signer ports.Signer
	client *stream.Client
}

func (p *peer) Close() error {
	return p.node.Close()
}

// discard closes a node that could not be set up
func discard(node *p2p.Node) {
	if err := node.Close(); err != nil {
		logging.Warn("failed to close node", logging.Err(err))
	}
}

// openPeer starts a node and connects it to the configured intermediary.
// listen selects whether the node accepts inbound streams.
func openPeer(ctx context.Context, listen bool) (*peer, error) {
	if cfg.Intermediary.Addr == "" {
		return nil, errors.New("intermediary.addr is not configured")
	}

	key, err := identity.LoadOrCreatePeerKey(cfg.Node.KeyFile)
	if err != nil {
		return nil, err
	}
	node, err := p2p.NewNode(key, p2p.Options{
		ListenAddrs: cfg.Node.ListenAddrs,
		DialOnly:    !listen,
		NAT:         listen,
	})
	if err != nil {
		return nil, err
	}

	signer, err := loadSigner(key)
	if err != nil {
		discard(node)
		return nil, err
	}

	if _, err := node.Connect(ctx, cfg.Intermediary.Addr); err != nil {
		discard(node)
		return nil, fmt.Errorf("intermediary unreachable: %w", err)
	}
	open, err := node.Opener(cfg.Intermediary.Addr)
	if err != nil {
		discard(node)
		return nil, err
	}

	return &peer{
		node:   node,
		signer: signer,
		client: stream.NewClient(open, cfg.Session.DialTimeout.Std()).WithSigner(signer),
	}, nil
}
