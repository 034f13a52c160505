// Package p2p binds the stream protocols to libp2p. Peer IDs double as
// identity addresses, so every inbound stream arrives with an
// authenticated remote identity.
package p2p

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/multierr"

	"github.com/layer-3/gatekeeper/internal/logging"
	"github.com/layer-3/gatekeeper/ports"
	"github.com/layer-3/gatekeeper/transport/stream"
)

// Handler serves one inbound stream. remote is the authenticated peer ID.
type Handler func(ctx context.Context, st ports.Stream, remote string)

// Options configures a Node
type Options struct {
	ListenAddrs []string
	// DialOnly disables listening, for short-lived CLI clients
	DialOnly bool
	// NAT enables UPnP/NAT-PMP port mapping and hole punching
	NAT bool
}

// Node is a libp2p host serving gatekeeper protocols
type Node struct {
	host host.Host
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	protocols []protocol.ID
	closers   []io.Closer
}

// NewNode starts a libp2p host with key as its identity
func NewNode(key libp2pcrypto.PrivKey, opts Options) (*Node, error) {
	hostOpts := []libp2p.Option{libp2p.Identity(key)}
	if opts.DialOnly {
		hostOpts = append(hostOpts, libp2p.NoListenAddrs)
	} else {
		hostOpts = append(hostOpts, libp2p.ListenAddrStrings(opts.ListenAddrs...))
	}
	if opts.NAT {
		hostOpts = append(hostOpts, libp2p.NATPortMap(), libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		host:   h,
		log:    logging.With(logging.Component("p2p"), logging.Identity(h.ID().String())),
		ctx:    ctx,
		cancel: cancel,
	}
	return n, nil
}

// Host returns the underlying libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

// ID returns the node's peer ID, which is also its identity address
func (n *Node) ID() string {
	return n.host.ID().String()
}

// Endpoints returns the node's listen addresses with its peer ID attached
func (n *Node) Endpoints() []string {
	self, err := ma.NewMultiaddr("/p2p/" + n.host.ID().String())
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(n.host.Addrs()))
	for _, addr := range n.host.Addrs() {
		out = append(out, addr.Encapsulate(self).String())
	}
	sort.Strings(out)
	return out
}

// Endpoint returns the address to publish in the registry, preferring
// addresses reachable from other machines
func (n *Node) Endpoint() string {
	self, err := ma.NewMultiaddr("/p2p/" + n.host.ID().String())
	if err != nil {
		return ""
	}
	var fallback ma.Multiaddr
	for _, addr := range n.host.Addrs() {
		if !manet.IsIPLoopback(addr) {
			return addr.Encapsulate(self).String()
		}
		if fallback == nil {
			fallback = addr
		}
	}
	if fallback == nil {
		return ""
	}
	return fallback.Encapsulate(self).String()
}

// Handle serves protocol with h until the node is closed
func (n *Node) Handle(proto string, h Handler) {
	n.mu.Lock()
	n.protocols = append(n.protocols, protocol.ID(proto))
	n.mu.Unlock()

	n.host.SetStreamHandler(protocol.ID(proto), func(s network.Stream) {
		remote := s.Conn().RemotePeer().String()
		n.log.Debug("inbound stream", slog.String("protocol", proto), logging.Identity(remote))
		h(n.ctx, s, remote)
	})
}

// HandleAll registers every handler in handlers
func (n *Node) HandleAll(handlers map[string]func(ctx context.Context, st ports.Stream, remote string)) {
	for proto, h := range handlers {
		n.Handle(proto, h)
	}
}

// OnClose registers c to be closed with the node
func (n *Node) OnClose(c io.Closer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closers = append(n.closers, c)
}

// Close stops serving streams and closes the host and registered closers
func (n *Node) Close() error {
	n.cancel()

	n.mu.Lock()
	protocols, closers := n.protocols, n.closers
	n.protocols, n.closers = nil, nil
	n.mu.Unlock()

	for _, proto := range protocols {
		n.host.RemoveStreamHandler(proto)
	}
	err := n.host.Close()

	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i].Close())
	}
	return err
}

// Connect dials the peer described by a full multiaddr including /p2p/<id>
func (n *Node) Connect(ctx context.Context, addr string) (peer.ID, error) {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return "", fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", info.ID, err)
	}
	return info.ID, nil
}

// Opener returns a stream opener for the intermediary at addr
func (n *Node) Opener(addr string) (stream.Opener, error) {
	info, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid intermediary address %q: %w", addr, err)
	}
	n.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)

	return func(ctx context.Context, proto string) (ports.Stream, error) {
		s, err := n.host.NewStream(ctx, info.ID, protocol.ID(proto))
		if err != nil {
			return nil, err
		}
		return s, nil
	}, nil
}
