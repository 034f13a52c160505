package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/internal/logging"
	"github.com/layer-3/gatekeeper/internal/metrics"
	"github.com/layer-3/gatekeeper/ports"
	"github.com/layer-3/gatekeeper/service"
)

// SessionHandler takes ownership of an inbound session whose initiator
// proved identity
type SessionHandler func(ctx context.Context, conn *Conn, identity string)

// HandshakeServer answers inbound handshakes on a peer
type HandshakeServer struct {
	authority *service.ChallengeAuthority
	signer    ports.Signer
	bind      func(remote string) service.BindFunc
	onSession SessionHandler
	metrics   *metrics.Metrics
	timeout   time.Duration
	log       *slog.Logger
}

// NewHandshakeServer creates a handshake server. bind may be nil; timeout
// bounds the whole handshake.
func NewHandshakeServer(
	authority *service.ChallengeAuthority,
	signer ports.Signer,
	bind func(remote string) service.BindFunc,
	onSession SessionHandler,
	timeout time.Duration,
	m *metrics.Metrics,
) *HandshakeServer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HandshakeServer{
		authority: authority,
		signer:    signer,
		bind:      bind,
		onSession: onSession,
		metrics:   m,
		timeout:   timeout,
		log:       logging.With(logging.Component("handshake")),
	}
}

// Serve runs the responder side of one handshake over st
func (h *HandshakeServer) Serve(ctx context.Context, st ports.Stream, remote string) {
	closeStream := h.metrics.StreamOpened(ProtocolHandshake)

	var bind service.BindFunc
	if h.bind != nil {
		bind = h.bind(remote)
	}
	responder := service.NewHandshakeResponder(h.authority, h.signer, bind, h.metrics)

	conn := NewConn(st)
	established := h.run(ctx, conn, responder)
	responder.Close(context.WithoutCancel(ctx))
	closeStream()
	if !established {
		conn.Close()
		return
	}

	h.log.DebugContext(ctx, "inbound session", logging.Identity(responder.Identity()))
	h.onSession(ctx, conn, responder.Identity())
}

func (h *HandshakeServer) run(ctx context.Context, conn *Conn, responder *service.HandshakeResponder) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	for !responder.State().Terminal() {
		line, err := conn.codec.Read(ctx)
		if err != nil {
			responder.Fail(ctx, err)
			return false
		}

		var msg core.HandshakeRequest
		var reply *core.HandshakeReply
		if err := conn.codec.Decode(line, &msg); err != nil {
			responder.Fail(ctx, err)
			reply = &core.HandshakeReply{Success: false, Error: errorMessage(err)}
		} else {
			reply, _ = responder.Handle(ctx, &msg)
		}

		if err := conn.codec.Write(ctx, reply); err != nil {
			responder.Fail(ctx, err)
			return false
		}
	}
	return responder.State() == core.Established
}
