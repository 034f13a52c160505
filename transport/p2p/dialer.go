package p2p

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/layer-3/gatekeeper/adapters/identity"
	"github.com/layer-3/gatekeeper/service"
	"github.com/layer-3/gatekeeper/transport/stream"
)

// Dialer opens handshake streams to registered endpoints
type Dialer struct {
	node *Node
}

var _ service.Dialer = (*Dialer)(nil)

// Dialer returns a dialer using n
func (n *Node) Dialer() *Dialer {
	return &Dialer{node: n}
}

// Dial connects to endpoint and opens a handshake stream. The endpoint
// names the peer with a /p2p component; without one, target must itself be
// a peer ID.
func (d *Dialer) Dial(ctx context.Context, endpoint, target string) (service.Channel, error) {
	addr, err := ma.NewMultiaddr(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		if identity.SchemeOf(target) != identity.SchemePeer {
			return nil, fmt.Errorf("endpoint %q does not name a peer", endpoint)
		}
		id, err := peer.Decode(target)
		if err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", target, err)
		}
		info = &peer.AddrInfo{ID: id, Addrs: []ma.Multiaddr{addr}}
	}

	if err := d.node.host.Connect(ctx, *info); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", info.ID, err)
	}
	s, err := d.node.host.NewStream(ctx, info.ID, protocol.ID(stream.ProtocolHandshake))
	if err != nil {
		return nil, fmt.Errorf("failed to open handshake stream: %w", err)
	}
	return stream.NewConn(s), nil
}
