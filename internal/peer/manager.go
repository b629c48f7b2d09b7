// Package peer owns the single direct PeerConnection a participant may have
// at any time. Callers refer to it through an opaque Handle; pion callbacks
// are turned into Events and never touch caller state.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Handle identifies one PeerConnection. Handles are never reused; the zero
// Handle means "none".
type Handle uint64

var (
	// ErrResourceConflict is returned when a second live handle is requested.
	ErrResourceConflict = errors.New("peer: a peer connection is already live")
	// ErrStaleHandle is returned for handles that were closed or never existed.
	ErrStaleHandle = errors.New("peer: stale handle")
)

// NegotiationError wraps any failure to create or apply a session
// description.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("peer: %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

const (
	defaultMaxPendingCandidates = 64
	eventBufferSize             = 128
)

type Config struct {
	// API builds PeerConnections. Nil means NewAPI with default settings.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// LocalTracks supplies tracks when a handle is created implicitly by
	// ApplyRemoteOffer. The tracks are owned by the caller.
	LocalTracks func() []webrtc.TrackLocal
	// MaxPendingCandidates bounds the candidates buffered before a remote
	// description is applied.
	MaxPendingCandidates int
	Logger               *slog.Logger
}

// Manager is safe for concurrent use, though the session machine drives it
// from a single goroutine.
type Manager struct {
	api         *webrtc.API
	iceServers  []webrtc.ICEServer
	localTracks func() []webrtc.TrackLocal
	maxPending  int
	logger      *slog.Logger

	events chan Event

	mu   sync.Mutex
	next Handle
	live *conn
}

type conn struct {
	handle    Handle
	pc        *webrtc.PeerConnection
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	// closed is read by pion callbacks without holding Manager.mu.
	closed atomic.Bool
	// done releases callbacks blocked on a full event channel.
	done chan struct{}
}

func NewManager(cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := cfg.API
	if api == nil {
		var err error
		if api, err = NewAPI(APIConfig{Logger: logger}); err != nil {
			return nil, err
		}
	}
	maxPending := cfg.MaxPendingCandidates
	if maxPending <= 0 {
		maxPending = defaultMaxPendingCandidates
	}
	return &Manager{
		api:         api,
		iceServers:  cfg.ICEServers,
		localTracks: cfg.LocalTracks,
		maxPending:  maxPending,
		logger:      logger.With("component", "peer"),
		events:      make(chan Event, eventBufferSize),
	}, nil
}

// Events delivers callbacks from every handle. Consumers must compare
// Event.Handle with their current handle.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Live reports the live handle, if any.
func (m *Manager) Live() (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live == nil {
		return 0, false
	}
	return m.live.handle, true
}

// Create builds a new PeerConnection publishing tracks. With no tracks it
// still negotiates recvonly audio and video.
func (m *Manager) Create(tracks []webrtc.TrackLocal) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.createLocked(tracks)
	if err != nil {
		return 0, err
	}
	return c.handle, nil
}

func (m *Manager) createLocked(tracks []webrtc.TrackLocal) (*conn, error) {
	if m.live != nil {
		return nil, ErrResourceConflict
	}

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return nil, fmt.Errorf("peer: new peer connection: %w", err)
	}

	if len(tracks) == 0 {
		addRecvOnlyTransceivers(pc, m.logger)
	}
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("peer: add track %s: %w", track.ID(), err)
		}
	}

	m.next++
	c := &conn{handle: m.next, pc: pc, done: make(chan struct{})}
	m.live = c
	m.wire(c)

	m.logger.Debug("peer connection created", "handle", c.handle, "tracks", len(tracks))
	return c, nil
}

func addRecvOnlyTransceivers(pc *webrtc.PeerConnection, logger *slog.Logger) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			logger.Warn("add recvonly transceiver failed", "kind", kind.String(), "err", err)
		}
	}
}

// wire registers pion callbacks. They only translate into events.
func (m *Manager) wire(c *conn) {
	h := c.handle
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.emit(c, Event{Handle: h, Kind: EventRemoteTrack, Track: track, StreamID: track.StreamID()})
	})
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		m.emit(c, Event{Handle: h, Kind: EventLocalCandidate, Candidate: candidate.ToJSON()})
	})
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.emit(c, Event{Handle: h, Kind: EventConnectionState, State: connectionStateFromPion(state)})
	})
}

func (m *Manager) emit(c *conn, ev Event) {
	if c.closed.Load() {
		return
	}

	if ev.Kind == EventLocalCandidate {
		select {
		case m.events <- ev:
		default:
			m.logger.Warn("local candidate dropped, consumer too slow", "handle", ev.Handle)
		}
		return
	}

	// State changes and tracks are never dropped; Close unblocks the wait.
	select {
	case m.events <- ev:
	case <-c.done:
	}
}

func (m *Manager) lookupLocked(h Handle) (*conn, error) {
	if h == 0 || m.live == nil || m.live.handle != h {
		return nil, ErrStaleHandle
	}
	return m.live, nil
}

// CreateOffer generates and applies a local offer on h.
func (m *Manager) CreateOffer(h Handle) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.lookupLocked(h)
	if err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{Op: "create offer", Err: err}
	}
	if c.remoteSet {
		return webrtc.SessionDescription{}, &NegotiationError{Op: "create offer", Err: errors.New("remote description already applied")}
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{Op: "create offer", Err: err}
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, &NegotiationError{Op: "set local offer", Err: err}
	}
	return offer, nil
}

// ApplyRemoteOffer applies offer and returns the local answer. When h is
// zero and no handle is live, a handle is created first using the
// configured local tracks; the handle actually used is returned.
func (m *Manager) ApplyRemoteOffer(h Handle, offer webrtc.SessionDescription) (Handle, webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c *conn
	if h == 0 {
		var tracks []webrtc.TrackLocal
		if m.localTracks != nil {
			tracks = m.localTracks()
		}
		created, err := m.createLocked(tracks)
		if err != nil {
			return 0, webrtc.SessionDescription{}, err
		}
		c = created
	} else {
		found, err := m.lookupLocked(h)
		if err != nil {
			return 0, webrtc.SessionDescription{}, &NegotiationError{Op: "apply offer", Err: err}
		}
		c = found
	}

	if err := m.setRemoteLocked(c, offer); err != nil {
		return c.handle, webrtc.SessionDescription{}, &NegotiationError{Op: "apply offer", Err: err}
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return c.handle, webrtc.SessionDescription{}, &NegotiationError{Op: "create answer", Err: err}
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return c.handle, webrtc.SessionDescription{}, &NegotiationError{Op: "set local answer", Err: err}
	}
	return c.handle, answer, nil
}

// ApplyRemoteAnswer completes an offer started with CreateOffer.
func (m *Manager) ApplyRemoteAnswer(h Handle, answer webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.lookupLocked(h)
	if err != nil {
		return &NegotiationError{Op: "apply answer", Err: err}
	}
	if err := m.setRemoteLocked(c, answer); err != nil {
		return &NegotiationError{Op: "apply answer", Err: err}
	}
	return nil
}

func (m *Manager) setRemoteLocked(c *conn, desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	c.remoteSet = true

	pending := c.pending
	c.pending = nil
	for _, candidate := range pending {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			m.logger.Warn("buffered ice candidate rejected", "handle", c.handle, "err", err)
		}
	}
	if len(pending) > 0 {
		m.logger.Debug("applied buffered ice candidates", "handle", c.handle, "count", len(pending))
	}
	return nil
}

// AddRemoteCandidate applies candidate on h. Candidates that arrive before
// the remote description are buffered; nothing here is fatal, so the
// returned error is always nil today.
func (m *Manager) AddRemoteCandidate(h Handle, candidate webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.lookupLocked(h)
	if err != nil {
		m.logger.Debug("ice candidate for stale handle ignored", "handle", h)
		return nil
	}

	if !c.remoteSet {
		if len(c.pending) >= m.maxPending {
			m.logger.Warn("ice candidate dropped before remote description, buffer full", "handle", h)
			return nil
		}
		c.pending = append(c.pending, candidate)
		m.logger.Debug("ice candidate buffered before remote description", "handle", h, "buffered", len(c.pending))
		return nil
	}

	if err := c.pc.AddICECandidate(candidate); err != nil {
		m.logger.Warn("ice candidate rejected", "handle", h, "err", err)
	}
	return nil
}

// Close releases h. Closing an already closed or unknown handle is a no-op.
// Local tracks are detached from the connection but not stopped.
func (m *Manager) Close(h Handle) error {
	m.mu.Lock()
	c, err := m.lookupLocked(h)
	if err != nil {
		m.mu.Unlock()
		return nil
	}
	c.closed.Store(true)
	close(c.done)
	c.pending = nil
	m.live = nil
	m.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		m.logger.Warn("peer connection close failed", "handle", h, "err", err)
		return fmt.Errorf("peer: close: %w", err)
	}
	m.logger.Debug("peer connection closed", "handle", h)
	return nil
}
