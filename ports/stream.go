package ports

import (
	"io"
	"time"
)

// Stream is an ordered, reliable, bidirectional byte stream with deadlines,
// such as a libp2p stream or a net.Conn
type Stream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}
