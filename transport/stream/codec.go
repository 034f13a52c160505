package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
)

// MaxMessageSize bounds a single newline-delimited message
const MaxMessageSize = 1 << 20

var (
	ErrInvalidJSON     = errors.New("invalid JSON")
	ErrMessageTooLarge = errors.New("message too large")
)

// Codec reads and writes one JSON object per line on a stream
type Codec struct {
	stream ports.Stream
	reader *bufio.Reader
}

// NewCodec wraps s
func NewCodec(s ports.Stream) *Codec {
	return &Codec{
		stream: s,
		reader: bufio.NewReader(s),
	}
}

// Read returns the next non-empty message without its line terminator.
// A final message not terminated by a newline is still returned.
func (c *Codec) Read(ctx context.Context) ([]byte, error) {
	release := c.bind(ctx)
	defer release()

	for {
		line, err := c.readLine()
		if err != nil {
			return nil, c.contextErr(ctx, err)
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
	}
}

func (c *Codec) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if len(line)+len(chunk) > MaxMessageSize {
			return nil, ErrMessageTooLarge
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0:
			return line, nil
		default:
			return nil, err
		}
	}
}

// Write sends v as a single line
func (c *Codec) Write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')

	release := c.bind(ctx)
	defer release()

	if _, err := c.stream.Write(data); err != nil {
		return c.contextErr(ctx, err)
	}
	return nil
}

// Decode unmarshals a message, telling unparseable input (ErrInvalidJSON)
// apart from JSON of the wrong shape (core.ErrInvalidFormat)
func (c *Codec) Decode(line []byte, v any) error {
	if !json.Valid(line) {
		return ErrInvalidJSON
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidFormat, err)
	}
	return nil
}

// Reader returns the buffered reader, which may hold bytes already read
// from the stream
func (c *Codec) Reader() io.Reader {
	return c.reader
}

// bind makes the stream honour ctx: its deadline becomes the stream
// deadline and cancellation unblocks pending I/O
func (c *Codec) bind(ctx context.Context) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.stream.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.stream.SetDeadline(time.Now())
	})
	return func() {
		if stop() {
			_ = c.stream.SetDeadline(time.Time{})
		}
	}
}

func (c *Codec) contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	// the stream deadline can fire just before the context notices
	if deadline, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return err
}
