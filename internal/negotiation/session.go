package negotiation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// PendingCandidate is a remote candidate received before a remote description
// was applied.
type PendingCandidate struct {
	From       string
	Candidate  webrtc.ICECandidateInit
	ReceivedAt time.Time
}

// RemoteTrack describes a track received from the current peer.
type RemoteTrack struct {
	ID       string
	Kind     string
	MimeType string
	Packets  uint64
}

// RTPHandler receives every RTP packet read from a remote track.
type RTPHandler func(peerAddress string, track *webrtc.TrackRemote, pkt *rtp.Packet)

type remoteSink struct {
	track   *webrtc.TrackRemote
	packets atomic.Uint64
}

// pc and address are immutable. localSent and localCandidates are guarded by
// sendMu, everything else by Peer.mu.
type session struct {
	pc      *webrtc.PeerConnection
	address string

	ctx    context.Context
	cancel context.CancelFunc

	initiator  bool
	state      State
	connecting bool
	closed     bool

	pendingOffer bool

	// sendMu orders outbound candidates after the flush of queued ones.
	sendMu          sync.Mutex
	localSent       bool
	localCandidates []webrtc.ICECandidateInit

	remoteSet     bool
	pendingRemote []PendingCandidate

	sinks []*remoteSink
}

func (s *session) remoteTracks() []RemoteTrack {
	out := make([]RemoteTrack, 0, len(s.sinks))
	for _, sink := range s.sinks {
		out = append(out, RemoteTrack{
			ID:       sink.track.ID(),
			Kind:     sink.track.Kind().String(),
			MimeType: sink.track.Codec().MimeType,
			Packets:  sink.packets.Load(),
		})
	}
	return out
}
