package p2p

import (
	"github.com/layer-3/gatekeeper/adapters/identity"
	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/service"
)

// Authorize requires a claimed peer-ID identity to be the authenticated
// remote peer. Ethereum identities are not tied to the transport and pass.
func Authorize(remote, claimed string) error {
	if remote == "" || identity.SchemeOf(claimed) != identity.SchemePeer {
		return nil
	}
	if claimed != remote {
		return core.ErrIdentityMismatch
	}
	return nil
}

// Bind returns the handshake binding for a stream from remote
func Bind(remote string) service.BindFunc {
	return func(claimed string) error {
		return Authorize(remote, claimed)
	}
}
