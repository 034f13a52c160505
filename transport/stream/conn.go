package stream

import (
	"context"
	"time"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
	"github.com/layer-3/gatekeeper/service"
)

// Conn is a stream carrying a handshake. Once the handshake is over it is
// an ordinary byte stream; bytes buffered while reading handshake messages
// are served first.
type Conn struct {
	stream ports.Stream
	codec  *Codec
}

var _ service.Channel = (*Conn)(nil)

// NewConn wraps s
func NewConn(s ports.Stream) *Conn {
	return &Conn{stream: s, codec: NewCodec(s)}
}

// Exchange sends req and waits for the reply
func (c *Conn) Exchange(ctx context.Context, req *core.HandshakeRequest) (*core.HandshakeReply, error) {
	if err := c.codec.Write(ctx, req); err != nil {
		return nil, err
	}
	line, err := c.codec.Read(ctx)
	if err != nil {
		return nil, err
	}
	var reply core.HandshakeReply
	if err := c.codec.Decode(line, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.codec.Reader().Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}

func (c *Conn) Close() error {
	return c.stream.Close()
}
