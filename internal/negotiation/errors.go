package negotiation

import "errors"

var (
	ErrCallActive     = errors.New("negotiation: a call is already active")
	ErrBusy           = errors.New("negotiation: busy with another peer")
	ErrNoPendingOffer = errors.New("negotiation: no outstanding local offer")
	ErrUnexpectedPeer = errors.New("negotiation: message from unexpected peer")
	ErrNoTarget       = errors.New("negotiation: peer address required")
	ErrNotInitiator   = errors.New("negotiation: only the calling side restarts ICE")
	ErrNoSession      = errors.New("negotiation: no active session")
	ErrClosed         = errors.New("negotiation: peer closed")

	// ErrConnectionFailed and ErrConnectionLost are reported through Status.Err.
	ErrConnectionFailed = errors.New("negotiation: connection failed")
	ErrConnectionLost   = errors.New("negotiation: connection lost")
)
