package negotiation

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// MediaSource supplies local tracks. A Peer acquires once and reuses the
// tracks for every call until the Peer is closed.
type MediaSource interface {
	Acquire() ([]webrtc.TrackLocal, error)
	Release()
}

const silenceFrameDuration = 20 * time.Millisecond

// opusSilence is a single 20ms Opus frame carrying silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceSource produces one Opus audio track that streams silence. It stands
// in for microphone capture on headless peers.
type SilenceSource struct {
	streamID string

	mu    sync.Mutex
	track *webrtc.TrackLocalStaticSample
	stop  chan struct{}
	done  chan struct{}
}

func NewSilenceSource(streamID string) *SilenceSource {
	if streamID == "" {
		streamID = "lanrtc"
	}
	return &SilenceSource{streamID: streamID}
}

func (s *SilenceSource) Acquire() ([]webrtc.TrackLocal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.track == nil {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio",
			s.streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		s.track = track
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.pump(track, s.stop, s.done)
	}
	return []webrtc.TrackLocal{s.track}, nil
}

func (s *SilenceSource) pump(track *webrtc.TrackLocalStaticSample, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(silenceFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = track.WriteSample(media.Sample{Data: opusSilence, Duration: silenceFrameDuration})
		}
	}
}

func (s *SilenceSource) Release() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.track, s.stop, s.done = nil, nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}
