package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
	"github.com/layer-3/gatekeeper/service"
)

// Opener opens a new stream to the intermediary for protocol
type Opener func(ctx context.Context, protocol string) (ports.Stream, error)

// Client talks to an intermediary, one stream per call
type Client struct {
	open    Opener
	timeout time.Duration
	signer  ports.Signer
}

var (
	_ service.PermissionClient = (*Client)(nil)
	_ service.PendingClient    = (*Client)(nil)
	_ service.Lookuper         = (*Client)(nil)
)

// NewClient creates a client. timeout bounds each call; zero means 30s.
func NewClient(open Opener, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{open: open, timeout: timeout}
}

// WithSigner returns a copy of the client that signs its permission answers
// with signer
func (c *Client) WithSigner(signer ports.Signer) *Client {
	cp := *c
	cp.signer = signer
	return &cp
}

// failure is implemented by every reply type through the embedded Reply
type failure interface {
	Err() error
}

func (c *Client) call(ctx context.Context, protocol string, req any, reply failure) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	st, err := c.open(ctx, protocol)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", protocol, err)
	}
	defer st.Close()

	codec := NewCodec(st)
	if err := codec.Write(ctx, req); err != nil {
		return err
	}
	line, err := codec.Read(ctx)
	if err != nil {
		return err
	}
	if err := codec.Decode(line, reply); err != nil {
		return err
	}
	return reply.Err()
}

// Register proves possession of signer's identity and stores endpoint for it
func (c *Client) Register(ctx context.Context, signer ports.Signer, endpoint string) error {
	var challenge ProofReply
	err := c.call(ctx, ProtocolProof, ProofRequest{Action: ActionChallenge, Identity: signer.Identity()}, &challenge)
	if err != nil {
		return err
	}

	sig, err := signer.Sign([]byte(challenge.Challenge))
	if err != nil {
		return fmt.Errorf("failed to sign challenge: %w", err)
	}

	var proof ProofReply
	return c.call(ctx, ProtocolProof, ProofRequest{
		Action:    ActionProof,
		Identity:  signer.Identity(),
		Challenge: challenge.Challenge,
		Signature: sig,
		Endpoint:  endpoint,
	}, &proof)
}

// Lookup resolves identity to its registered endpoint
func (c *Client) Lookup(ctx context.Context, identity string) (string, error) {
	var reply QueryReply
	if err := c.call(ctx, ProtocolRegistryQuery, QueryRequest{Action: ActionGet, Key: identity}, &reply); err != nil {
		return "", err
	}
	if reply.Found == nil || !*reply.Found {
		return "", core.ErrNotFound
	}
	return reply.Value, nil
}

// List returns the registered identities
func (c *Client) List(ctx context.Context) ([]string, error) {
	var reply QueryReply
	if err := c.call(ctx, ProtocolRegistryQuery, QueryRequest{Action: ActionList}, &reply); err != nil {
		return nil, err
	}
	return reply.Keys, nil
}

// Unregister removes signer's own registry entry
func (c *Client) Unregister(ctx context.Context, signer ports.Signer) (bool, error) {
	var challenge QueryReply
	err := c.call(ctx, ProtocolRegistryQuery, QueryRequest{Action: ActionChallenge, Key: signer.Identity()}, &challenge)
	if err != nil {
		return false, err
	}

	sig, err := signer.Sign([]byte(challenge.Challenge))
	if err != nil {
		return false, fmt.Errorf("failed to sign challenge: %w", err)
	}

	var reply QueryReply
	err = c.call(ctx, ProtocolRegistryQuery, QueryRequest{
		Action:    ActionDelete,
		Key:       signer.Identity(),
		Challenge: challenge.Challenge,
		Signature: sig,
	}, &reply)
	if err != nil {
		return false, err
	}
	return reply.Deleted != nil && *reply.Deleted, nil
}

// Write stores value under key through the legacy unauthenticated path
func (c *Client) Write(ctx context.Context, key, value string, meta json.RawMessage) error {
	var reply Reply
	return c.call(ctx, ProtocolRegistryWrite, WriteRequest{Key: key, Value: value, EndpointMeta: meta}, &reply)
}

// RequestPermission asks target to accept a connection from requester
func (c *Client) RequestPermission(ctx context.Context, requester, target, hint string) (string, error) {
	var reply PermissionReply
	err := c.call(ctx, ProtocolPermission, PermissionMessage{
		Action:        ActionRequest,
		Requester:     requester,
		Target:        target,
		RequesterHint: hint,
	}, &reply)
	if err != nil {
		return "", err
	}
	if reply.RequestID == "" {
		return "", errors.New("intermediary returned no request id")
	}
	return reply.RequestID, nil
}

// PermissionStatus returns the state of a request
func (c *Client) PermissionStatus(ctx context.Context, id string) (*core.PermissionRequest, error) {
	var reply StatusReply
	if err := c.call(ctx, ProtocolPermission, PermissionMessage{Action: ActionGetStatus, RequestID: id}, &reply); err != nil {
		return nil, err
	}
	return &core.PermissionRequest{
		ID:          id,
		Status:      reply.Status,
		RespondedAt: reply.RespondedAt,
	}, nil
}

// PendingRequests returns the unanswered requests addressed to target
func (c *Client) PendingRequests(ctx context.Context, target string) ([]core.PermissionRequest, error) {
	var reply CheckReply
	if err := c.call(ctx, ProtocolPermission, PermissionMessage{Action: ActionCheck, Target: target}, &reply); err != nil {
		return nil, err
	}

	pending := make([]core.PermissionRequest, 0, len(reply.PendingRequests))
	for _, p := range reply.PendingRequests {
		pending = append(pending, core.PermissionRequest{
			ID:            p.RequestID,
			Requester:     p.Requester,
			RequesterHint: p.RequesterHint,
			Target:        target,
			Status:        core.PermissionPending,
			CreatedAt:     p.CreatedAt,
		})
	}
	return pending, nil
}

// RespondPermission answers a request and reports the resulting decision
func (c *Client) RespondPermission(ctx context.Context, id string, accepted bool) (bool, error) {
	msg := PermissionMessage{Action: ActionRespond, RequestID: id, Accepted: &accepted}
	if c.signer != nil {
		sig, err := c.signer.Sign(core.PermissionResponseProof(id, accepted))
		if err != nil {
			return false, fmt.Errorf("failed to sign answer: %w", err)
		}
		msg.Signature = sig
	}

	var reply PermissionReply
	err := c.call(ctx, ProtocolPermission, msg, &reply)
	if err != nil {
		return false, err
	}
	return reply.Accepted != nil && *reply.Accepted, nil
}
