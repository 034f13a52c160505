package ports

import (
	"time"

	"github.com/layer-3/gatekeeper/core"
)

// Tokenizer converts between admin sessions and bearer tokens
type Tokenizer interface {
	AdminSessionToToken(session *core.AdminSession) (string, error)
	TokenToAdminSession(token string) (*core.AdminSession, error)
	NewAdminSession(subject string, ttl time.Duration) *core.AdminSession
}
