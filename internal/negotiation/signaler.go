package negotiation

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Signaler carries negotiation messages to the peer at target.
type Signaler interface {
	SendOffer(ctx context.Context, target string, desc webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, target string, desc webrtc.SessionDescription) error
	SendCandidate(ctx context.Context, target string, candidate webrtc.ICECandidateInit) error
}
