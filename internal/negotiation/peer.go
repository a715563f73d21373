package negotiation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/lanrtc/internal/webrtcpeer"
)

// maxEarlyCandidates bounds candidates held for a session that does not
// exist yet.
const maxEarlyCandidates = 64

type Config struct {
	// API defaults to webrtcpeer.NewAPI with default options.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Signaler   Signaler
	// Media defaults to a SilenceSource.
	Media MediaSource
	// LocalAddress breaks offer collisions: on simultaneous calls the side
	// with the greater address rolls back its own offer and answers.
	LocalAddress string
	Logger       *slog.Logger

	// OnStatus is called with the Peer's lock held and must not call back
	// into the Peer.
	OnStatus func(Status)
	OnRTP    RTPHandler
}

// Peer is the local endpoint of at most one call.
type Peer struct {
	api          *webrtc.API
	iceServers   []webrtc.ICEServer
	signaler     Signaler
	media        MediaSource
	localAddress string
	logger       *slog.Logger
	onStatus     func(Status)
	onRTP        RTPHandler
	now          func() time.Time

	// opMu serializes negotiation operations; it is held across pion calls
	// and Signaler sends. mu guards state and is never held across either.
	opMu sync.Mutex

	mu          sync.Mutex
	sess        *session
	status      Status
	localTracks []webrtc.TrackLocal
	early       []PendingCandidate
	closed      bool
}

func New(cfg Config) (*Peer, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("negotiation: signaler required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	api := cfg.API
	if api == nil {
		var err error
		api, err = webrtcpeer.NewAPI(webrtcpeer.Options{Logger: logger})
		if err != nil {
			return nil, err
		}
	}
	media := cfg.Media
	if media == nil {
		media = NewSilenceSource("")
	}
	return &Peer{
		api:          api,
		iceServers:   cfg.ICEServers,
		signaler:     cfg.Signaler,
		media:        media,
		localAddress: strings.TrimSpace(cfg.LocalAddress),
		logger:       logger,
		onStatus:     cfg.OnStatus,
		onRTP:        cfg.OnRTP,
		now:          time.Now,
		status:       Status{State: StateIdle},
	}, nil
}

func (p *Peer) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// PeerAddress returns the address of the current call, or "".
func (p *Peer) PeerAddress() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return ""
	}
	return p.sess.address
}

// LocalTracks returns the cached local media, nil before the first call.
func (p *Peer) LocalTracks() []webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), p.localTracks...)
}

func (p *Peer) RemoteTracks() []RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess == nil {
		return nil
	}
	return p.sess.remoteTracks()
}

// PendingRemoteCandidates reports remote candidates waiting for a remote
// description.
func (p *Peer) PendingRemoteCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.early)
	if p.sess != nil {
		n += len(p.sess.pendingRemote)
	}
	return n
}

// Call places a call to target and returns once the offer has been sent.
func (p *Peer) Call(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return ErrNoTarget
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()

	if err := p.checkIdle(); err != nil {
		return err
	}

	s, err := p.startSession(target, true)
	if err != nil {
		p.publish(Status{State: StateFailed, PeerAddress: target, Err: err})
		return err
	}
	p.setState(s, StateOffering, false, nil)

	if err := p.sendOffer(ctx, s, nil); err != nil {
		p.abort(s, err)
		return err
	}
	p.setState(s, StateAwaitingAnswer, false, nil)
	return nil
}

// HandleOffer answers an offer from the given address. An offer from the
// current peer renegotiates the existing session; one from any other address
// is refused with ErrBusy.
func (p *Peer) HandleOffer(ctx context.Context, from string, desc webrtc.SessionDescription) error {
	from = strings.TrimSpace(from)
	if from == "" {
		return ErrNoTarget
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("negotiation: expected offer, got %s", desc.Type)
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	s := p.sess
	p.mu.Unlock()

	if s != nil {
		if s.address != from {
			p.logger.Info("refusing offer while in a call", "from", from, "peer", s.address)
			return ErrBusy
		}
		return p.renegotiate(ctx, s, desc)
	}

	s, err := p.startSession(from, false)
	if err != nil {
		p.publish(Status{State: StateFailed, PeerAddress: from, Err: err})
		return err
	}
	p.setState(s, StateOffered, false, nil)

	if err := p.answer(ctx, s, desc); err != nil {
		p.abort(s, err)
		return err
	}
	return nil
}

// HandleAnswer applies the answer to the outstanding local offer.
func (p *Peer) HandleAnswer(ctx context.Context, from string, desc webrtc.SessionDescription) error {
	from = strings.TrimSpace(from)
	if desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("negotiation: expected answer, got %s", desc.Type)
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	s := p.sess
	if s == nil || !s.pendingOffer {
		p.mu.Unlock()
		return ErrNoPendingOffer
	}
	if s.address != from {
		p.mu.Unlock()
		return ErrUnexpectedPeer
	}
	restarting := s.state == StateRestarting
	p.mu.Unlock()

	if err := s.pc.SetRemoteDescription(desc); err != nil {
		err = fmt.Errorf("set remote answer: %w", err)
		if restarting {
			p.mu.Lock()
			s.pendingOffer = false
			p.mu.Unlock()
			p.setState(s, StateFailed, false, err)
		} else {
			p.abort(s, err)
		}
		return err
	}

	p.mu.Lock()
	s.pendingOffer = false
	p.mu.Unlock()

	p.remoteApplied(s)

	connected := s.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
	p.setState(s, StateConnected, !connected, nil)
	return nil
}

// HandleCandidate applies a remote candidate, or queues it until a remote
// description is applied. Apply failures are logged, not returned.
func (p *Peer) HandleCandidate(ctx context.Context, from string, candidate webrtc.ICECandidateInit) error {
	from = strings.TrimSpace(from)
	if from == "" {
		return ErrNoTarget
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	s := p.sess
	pending := PendingCandidate{From: from, Candidate: candidate, ReceivedAt: p.now()}
	if s == nil {
		p.early = append(p.early, pending)
		if len(p.early) > maxEarlyCandidates {
			p.early = append([]PendingCandidate(nil), p.early[len(p.early)-maxEarlyCandidates:]...)
		}
		p.mu.Unlock()
		return nil
	}
	if s.address != from {
		p.mu.Unlock()
		return ErrUnexpectedPeer
	}
	if !s.remoteSet {
		s.pendingRemote = append(s.pendingRemote, pending)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.applyCandidate(s, candidate)
	return nil
}

// RestartICE renegotiates the current call with fresh ICE credentials. Only
// the side that placed the call may restart.
func (p *Peer) RestartICE(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	s := p.sess
	if s == nil {
		p.mu.Unlock()
		return ErrNoSession
	}
	if !s.initiator {
		p.mu.Unlock()
		return ErrNotInitiator
	}
	p.mu.Unlock()

	return p.restart(ctx, s)
}

// Hangup ends the current call. Local media stays acquired for the next one.
func (p *Peer) Hangup() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.hangup()
}

// HandlePeerDisconnected hangs up when from is the current peer.
func (p *Peer) HandlePeerDisconnected(from string) bool {
	from = strings.TrimSpace(from)

	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	s := p.sess
	p.mu.Unlock()
	if s == nil || from == "" || s.address != from {
		return false
	}
	if err := p.hangup(); err != nil {
		p.logger.Warn("hangup after peer disconnect", "peer", from, "err", err)
	}
	return true
}

// Close hangs up and releases local media.
func (p *Peer) Close() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	err := p.hangup()

	p.mu.Lock()
	already := p.closed
	p.closed = true
	acquired := p.localTracks != nil
	p.localTracks = nil
	p.mu.Unlock()

	if !already && acquired {
		p.media.Release()
	}
	return err
}

func (p *Peer) checkIdle() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.sess != nil {
		return ErrCallActive
	}
	return nil
}

func (p *Peer) localMedia() ([]webrtc.TrackLocal, error) {
	p.mu.Lock()
	tracks := p.localTracks
	p.mu.Unlock()
	if tracks != nil {
		return tracks, nil
	}

	tracks, err := p.media.Acquire()
	if err != nil {
		return nil, fmt.Errorf("acquire local media: %w", err)
	}
	p.mu.Lock()
	p.localTracks = tracks
	p.mu.Unlock()
	return tracks, nil
}

// startSession fixes the peer address before the PeerConnection exists so
// every generated candidate has a destination.
func (p *Peer) startSession(address string, initiator bool) (*session, error) {
	tracks, err := p.localMedia()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		address:   address,
		initiator: initiator,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
	}

	pc, err := p.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.iceServers})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	s.pc = pc

	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			cancel()
			_ = pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	}

	p.attach(s)

	p.mu.Lock()
	p.sess = s
	kept := p.early[:0]
	for _, c := range p.early {
		if c.From == address {
			s.pendingRemote = append(s.pendingRemote, c)
		} else {
			kept = append(kept, c)
		}
	}
	p.early = kept
	p.mu.Unlock()

	return s, nil
}

func (p *Peer) attach(s *session) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.queueOrSendCandidate(s, c.ToJSON())
	})

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.onConnectionState(s, state)
	})

	s.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Debug("ice connection state", "peer", s.address, "state", state.String())
		if state == webrtc.ICEConnectionStateFailed {
			p.onICEFailed(s)
		}
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.onTrack(s, track)
	})
}

func (p *Peer) sendOffer(ctx context.Context, s *session, opts *webrtc.OfferOptions) error {
	p.resetLocalSent(s)

	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	p.mu.Lock()
	s.pendingOffer = true
	p.mu.Unlock()

	if err := p.signaler.SendOffer(ctx, s.address, offer); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	p.flushLocalCandidates(s)
	return nil
}

func (p *Peer) answer(ctx context.Context, s *session, offer webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	p.remoteApplied(s)
	p.setState(s, StateAnswering, true, nil)

	p.resetLocalSent(s)

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := p.signaler.SendAnswer(ctx, s.address, answer); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	p.flushLocalCandidates(s)
	return nil
}

func (p *Peer) renegotiate(ctx context.Context, s *session, offer webrtc.SessionDescription) error {
	p.mu.Lock()
	collision := s.pendingOffer
	p.mu.Unlock()

	if collision {
		if !p.politeTo(s.address) {
			p.logger.Info("ignoring colliding offer", "peer", s.address)
			return nil
		}
		if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			err = fmt.Errorf("rollback local offer: %w", err)
			p.setState(s, StateFailed, false, err)
			return err
		}
		p.mu.Lock()
		s.pendingOffer = false
		s.initiator = false
		p.mu.Unlock()
	}

	p.setState(s, StateRestarting, true, nil)
	if err := p.answer(ctx, s, offer); err != nil {
		p.setState(s, StateFailed, false, err)
		return err
	}
	if s.pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
		p.setState(s, StateConnected, false, nil)
	}
	return nil
}

func (p *Peer) politeTo(remote string) bool {
	return p.localAddress == "" || p.localAddress > remote
}

func (p *Peer) restart(ctx context.Context, s *session) error {
	p.mu.Lock()
	if p.sess != s || s.closed {
		p.mu.Unlock()
		return ErrNoSession
	}
	s.remoteSet = false
	p.mu.Unlock()

	p.setState(s, StateRestarting, true, nil)
	if err := p.sendOffer(ctx, s, &webrtc.OfferOptions{ICERestart: true}); err != nil {
		err = fmt.Errorf("ice restart: %w", err)
		p.setState(s, StateFailed, false, err)
		return err
	}
	return nil
}

func (p *Peer) onICEFailed(s *session) {
	p.mu.Lock()
	current := p.sess == s && !s.closed
	initiator := s.initiator
	p.mu.Unlock()
	if !current || !initiator {
		return
	}

	p.logger.Info("ice failed, restarting", "peer", s.address)
	go func() {
		p.opMu.Lock()
		defer p.opMu.Unlock()
		if err := p.restart(s.ctx, s); err != nil && !errors.Is(err, ErrNoSession) {
			p.logger.Warn("ice restart failed", "peer", s.address, "err", err)
		}
	}()
}

func (p *Peer) onConnectionState(s *session, state webrtc.PeerConnectionState) {
	p.logger.Debug("peer connection state", "peer", s.address, "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.setState(s, StateConnected, false, nil)
	case webrtc.PeerConnectionStateFailed:
		p.setState(s, StateFailed, false, ErrConnectionFailed)
	case webrtc.PeerConnectionStateDisconnected:
		p.mu.Lock()
		current := s.state
		p.mu.Unlock()
		p.setState(s, current, true, ErrConnectionLost)
	}
}

func (p *Peer) onTrack(s *session, track *webrtc.TrackRemote) {
	sink := &remoteSink{track: track}

	p.mu.Lock()
	if p.sess != s || s.closed {
		p.mu.Unlock()
		return
	}
	s.sinks = append(s.sinks, sink)
	p.mu.Unlock()

	p.logger.Info("remote track", "peer", s.address, "kind", track.Kind().String(), "codec", track.Codec().MimeType)

	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			sink.packets.Add(1)
			if p.onRTP != nil {
				p.onRTP(s.address, track, pkt)
			}
		}
	}()
}

func (p *Peer) resetLocalSent(s *session) {
	s.sendMu.Lock()
	s.localSent = false
	s.localCandidates = nil
	s.sendMu.Unlock()
}

func (p *Peer) queueOrSendCandidate(s *session, candidate webrtc.ICECandidateInit) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.localSent {
		s.localCandidates = append(s.localCandidates, candidate)
		return
	}
	p.sendCandidate(s, candidate)
}

func (p *Peer) flushLocalCandidates(s *session) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.localSent = true
	queued := s.localCandidates
	s.localCandidates = nil
	for _, c := range queued {
		p.sendCandidate(s, c)
	}
}

// sendCandidate must be called with s.sendMu held.
func (p *Peer) sendCandidate(s *session, candidate webrtc.ICECandidateInit) {
	if s.ctx.Err() != nil {
		return
	}
	if err := p.signaler.SendCandidate(s.ctx, s.address, candidate); err != nil {
		p.logger.Warn("send ice candidate failed", "peer", s.address, "err", err)
	}
}

func (p *Peer) remoteApplied(s *session) {
	p.mu.Lock()
	s.remoteSet = true
	queued := s.pendingRemote
	s.pendingRemote = nil
	p.mu.Unlock()

	for _, c := range queued {
		p.applyCandidate(s, c.Candidate)
	}
}

func (p *Peer) applyCandidate(s *session, candidate webrtc.ICECandidateInit) {
	if err := s.pc.AddICECandidate(candidate); err != nil {
		p.logger.Warn("apply remote candidate failed", "peer", s.address, "err", err)
	}
}

func (p *Peer) hangup() error {
	p.mu.Lock()
	s := p.sess
	p.sess = nil
	p.early = nil
	if s != nil {
		s.closed = true
		s.sinks = nil
	}
	if s != nil || p.status.State != StateIdle {
		p.publishLocked(Status{State: StateIdle})
	}
	p.mu.Unlock()

	if s == nil {
		return nil
	}
	s.cancel()
	if err := s.pc.Close(); err != nil {
		return fmt.Errorf("close peer connection: %w", err)
	}
	return nil
}

// abort tears down a session whose setup failed so the next call can start.
func (p *Peer) abort(s *session, err error) {
	p.mu.Lock()
	if p.sess == s {
		p.sess = nil
	}
	s.closed = true
	s.sinks = nil
	p.publishLocked(Status{State: StateFailed, PeerAddress: s.address, Err: err})
	p.mu.Unlock()

	s.cancel()
	_ = s.pc.Close()
}

func (p *Peer) setState(s *session, state State, connecting bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess != s || s.closed {
		return
	}
	s.state = state
	s.connecting = connecting
	p.publishLocked(Status{State: state, PeerAddress: s.address, Connecting: connecting, Err: err})
}

func (p *Peer) publish(st Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishLocked(st)
}

func (p *Peer) publishLocked(st Status) {
	p.status = st
	if p.onStatus != nil {
		p.onStatus(st)
	}
}
