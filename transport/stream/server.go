package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/internal/logging"
	"github.com/layer-3/gatekeeper/internal/metrics"
	"github.com/layer-3/gatekeeper/ports"
	"github.com/layer-3/gatekeeper/service"
)

// Authorizer checks that the authenticated remote party may act as claimed.
// remote is empty when the substrate does not authenticate peers.
type Authorizer func(remote, claimed string) error

// ServerConfig tunes a Server. Zero fields take defaults.
type ServerConfig struct {
	StreamRate  float64
	StreamBurst int
	IdleTimeout time.Duration
	Authorize   Authorizer
}

// Server serves the intermediary protocols, one goroutine per stream
type Server struct {
	registry  *service.AddressRegistry
	broker    *service.PermissionBroker
	metrics   *metrics.Metrics
	log       *slog.Logger
	authorize Authorizer

	rate        rate.Limit
	burst       int
	idleTimeout time.Duration
}

// NewServer creates a new intermediary server
func NewServer(registry *service.AddressRegistry, broker *service.PermissionBroker, cfg ServerConfig, m *metrics.Metrics) *Server {
	s := &Server{
		registry:    registry,
		broker:      broker,
		metrics:     m,
		log:         logging.With(logging.Component("stream")),
		authorize:   cfg.Authorize,
		rate:        rate.Limit(cfg.StreamRate),
		burst:       cfg.StreamBurst,
		idleTimeout: cfg.IdleTimeout,
	}
	if s.rate <= 0 {
		s.rate = 20
	}
	if s.burst <= 0 {
		s.burst = 40
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = 2 * time.Minute
	}
	return s
}

// Handlers returns the stream handlers keyed by protocol
func (s *Server) Handlers() map[string]func(ctx context.Context, st ports.Stream, remote string) {
	return map[string]func(ctx context.Context, st ports.Stream, remote string){
		ProtocolRegistryWrite: s.ServeRegistryWrite,
		ProtocolRegistryQuery: s.ServeRegistryQuery,
		ProtocolProof:         s.ServeProof,
		ProtocolPermission:    s.ServePermission,
	}
}

// handleFunc answers one decoded line and names the action it served
type handleFunc func(ctx context.Context, codec *Codec, remote string, line []byte) (action string, reply any)

func (s *Server) serve(ctx context.Context, st ports.Stream, remote, protocol string, handle handleFunc) {
	defer s.metrics.StreamOpened(protocol)()
	defer st.Close()

	log := s.log.With(slog.String("protocol", protocol), slog.String("remote", logging.Short(remote)))
	codec := NewCodec(st)
	limiter := rate.NewLimiter(s.rate, s.burst)

	for {
		readCtx, cancel := context.WithTimeout(ctx, s.idleTimeout)
		line, err := codec.Read(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, ErrMessageTooLarge) {
				_ = codec.Write(ctx, fail(err))
			}
			if isClosed(err) {
				log.DebugContext(ctx, "stream closed")
			} else {
				log.DebugContext(ctx, "stream aborted", logging.Err(err))
			}
			return
		}

		if err := limiter.Wait(ctx); err != nil {
			return
		}

		started := time.Now()
		action, reply := handle(ctx, codec, remote, line)
		s.metrics.ObserveRequest(protocol, action, started)

		if r, ok := reply.(Reply); ok && !r.Success {
			log.DebugContext(ctx, "request failed", slog.String("action", action), slog.String("error", r.Error))
		}
		if err := codec.Write(ctx, reply); err != nil {
			log.DebugContext(ctx, "failed to write reply", logging.Err(err))
			return
		}
	}
}

// ServeRegistryWrite serves legacy unauthenticated registry writes
func (s *Server) ServeRegistryWrite(ctx context.Context, st ports.Stream, remote string) {
	s.serve(ctx, st, remote, ProtocolRegistryWrite, func(ctx context.Context, codec *Codec, _ string, line []byte) (string, any) {
		var req WriteRequest
		if err := codec.Decode(line, &req); err != nil {
			return "write", fail(err)
		}
		if req.Key == "" || req.Value == "" {
			return "write", fail(core.ErrInvalidFormat)
		}

		if err := s.registry.WriteUnauthenticated(ctx, req.Key, req.Value, string(req.EndpointMeta)); err != nil {
			return "write", s.fail(ctx, err)
		}
		return "write", Reply{Success: true, Message: "stored"}
	})
}

// ServeRegistryQuery serves registry lookups, listing and proof-gated deletes
func (s *Server) ServeRegistryQuery(ctx context.Context, st ports.Stream, remote string) {
	s.serve(ctx, st, remote, ProtocolRegistryQuery, func(ctx context.Context, codec *Codec, _ string, line []byte) (string, any) {
		var req QueryRequest
		if err := codec.Decode(line, &req); err != nil {
			return "invalid", fail(err)
		}

		identity := req.Identity
		if identity == "" {
			identity = req.Key
		}

		switch req.Action {
		case ActionGet:
			if req.Key == "" {
				return req.Action, fail(core.ErrInvalidFormat)
			}
			endpoint, err := s.registry.Lookup(ctx, req.Key)
			if errors.Is(err, core.ErrNotFound) {
				return req.Action, QueryReply{Reply: Reply{Success: true}, Found: ptr(false)}
			}
			if err != nil {
				return req.Action, s.fail(ctx, err)
			}
			return req.Action, QueryReply{Reply: Reply{Success: true}, Value: endpoint, Found: ptr(true)}

		case ActionList:
			entries, err := s.registry.List(ctx)
			if err != nil {
				return req.Action, s.fail(ctx, err)
			}
			keys := make([]string, 0, len(entries))
			for _, e := range entries {
				keys = append(keys, e.Address)
			}
			return req.Action, QueryReply{Reply: Reply{Success: true}, Keys: keys, Count: ptr(len(keys))}

		case ActionChallenge:
			if identity == "" {
				return req.Action, fail(core.ErrInvalidFormat)
			}
			challenge, err := s.registry.DeleteChallenge(ctx, identity)
			if err != nil {
				return req.Action, s.fail(ctx, err)
			}
			return req.Action, QueryReply{Reply: Reply{Success: true}, Challenge: challenge.Value}

		case ActionDelete:
			if identity == "" || req.Challenge == "" || len(req.Signature) == 0 {
				return req.Action, fail(core.ErrInvalidFormat)
			}
			deleted, err := s.registry.RemoveAuthenticated(ctx, identity, req.Challenge, req.Signature)
			if err != nil {
				return req.Action, s.fail(ctx, err)
			}
			return req.Action, QueryReply{Reply: Reply{Success: true}, Deleted: ptr(deleted)}
		}
		return "invalid", fail(core.ErrInvalidFormat)
	})
}

// ServeProof serves authenticated registration
func (s *Server) ServeProof(ctx context.Context, st ports.Stream, remote string) {
	s.serve(ctx, st, remote, ProtocolProof, func(ctx context.Context, codec *Codec, _ string, line []byte) (string, any) {
		var req ProofRequest
		if err := codec.Decode(line, &req); err != nil {
			return "invalid", fail(err)
		}
		if req.Identity == "" {
			return req.Action, fail(core.ErrInvalidFormat)
		}

		switch req.Action {
		case ActionChallenge:
			challenge, err := s.registry.Challenge(ctx, req.Identity)
			if err != nil {
				return req.Action, s.fail(ctx, err)
			}
			return req.Action, ProofReply{Reply: Reply{Success: true}, Challenge: challenge.Value}

		case ActionProof:
			if req.Challenge == "" || len(req.Signature) == 0 || req.Endpoint == "" {
				return req.Action, fail(core.ErrInvalidFormat)
			}
			if _, err := s.registry.RegisterAuthenticated(ctx, req.Identity, req.Endpoint, req.Challenge, req.Signature); err != nil {
				return req.Action, s.fail(ctx, err)
			}
			return req.Action, ProofReply{Reply: Reply{Success: true}, Verified: ptr(true)}
		}
		return "invalid", fail(core.ErrInvalidFormat)
	})
}

// ServePermission serves the connection permission broker
func (s *Server) ServePermission(ctx context.Context, st ports.Stream, remote string) {
	s.serve(ctx, st, remote, ProtocolPermission, func(ctx context.Context, codec *Codec, remote string, line []byte) (string, any) {
		var req PermissionMessage
		if err := codec.Decode(line, &req); err != nil {
			return "invalid", fail(err)
		}

		switch req.Action {
		case ActionRequest:
			if req.Target == "" || req.Requester == "" {
				return req.Action, fail(core.ErrInvalidFormat)
			}
			if err := s.check(remote, req.Requester); err != nil {
				return req.Action, s.fail(ctx, err)
			}
			id, err := s.broker.Request(ctx, req.Requester, req.Target, req.RequesterHint)
			if err != nil {
				return req.Action, s.fail(ctx, err)
			}
			return req.Action, PermissionReply{Reply: Reply{Success: true}, RequestID: id}

		case ActionRespond:
			if req.RequestID == "" || req.Accepted == nil {
				return req.Action, fail(core.ErrInvalidFormat)
			}
			current, err := s.broker.Get(ctx, req.RequestID)
			if err != nil {
				return req.Action, s.fail(ctx, err)
			}
			if err := s.check(remote, current.Target); err != nil {
				return req.Action, s.fail(ctx, err)
			}
			// an answer not sent by the target's own authenticated peer must
			// carry the target's signature
			if remote != current.Target {
				if err := s.broker.VerifyResponse(current, *req.Accepted, req.Signature); err != nil {
					return req.Action, s.fail(ctx, err)
				}
			}
			resolved, err := s.broker.Respond(ctx, req.RequestID, *req.Accepted)
			if err != nil {
				return req.Action, s.fail(ctx, err)
			}
			return req.Action, PermissionReply{Reply: Reply{Success: true}, Accepted: ptr(resolved.Accepted())}

		case ActionCheck:
			if req.Target == "" {
				return req.Action, fail(core.ErrInvalidFormat)
			}
			if err := s.check(remote, req.Target); err != nil {
				return req.Action, s.fail(ctx, err)
			}
			pending, err := s.broker.ListPendingFor(ctx, req.Target)
			if err != nil {
				return req.Action, s.fail(ctx, err)
			}
			reply := CheckReply{Reply: Reply{Success: true}, PendingRequests: make([]PendingRequest, 0, len(pending))}
			for _, p := range pending {
				reply.PendingRequests = append(reply.PendingRequests, PendingRequest{
					RequestID:     p.ID,
					Requester:     p.Requester,
					RequesterHint: p.RequesterHint,
					CreatedAt:     p.CreatedAt,
				})
			}
			return req.Action, reply

		case ActionGetStatus:
			if req.RequestID == "" {
				return req.Action, fail(core.ErrInvalidFormat)
			}
			status, err := s.broker.GetStatus(ctx, req.RequestID)
			if err != nil {
				return req.Action, s.fail(ctx, err)
			}
			if err := s.check(remote, status.Requester); err != nil {
				return req.Action, s.fail(ctx, err)
			}
			return req.Action, StatusReply{
				Reply:       Reply{Success: true},
				Status:      status.Status,
				Accepted:    status.Accepted(),
				RespondedAt: status.RespondedAt,
			}
		}
		return "invalid", fail(core.ErrInvalidFormat)
	})
}

func (s *Server) check(remote, claimed string) error {
	if s.authorize == nil {
		return nil
	}
	return s.authorize(remote, claimed)
}

// fail builds an error reply, logging errors that are not meant for peers
func (s *Server) fail(ctx context.Context, err error) Reply {
	if _, ok := core.WireMessage(err); !ok {
		s.log.ErrorContext(ctx, "request failed", logging.Err(err))
	}
	return fail(err)
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrDeadlineExceeded)
}
