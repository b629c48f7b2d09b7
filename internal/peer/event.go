package peer

import "github.com/pion/webrtc/v4"

type EventKind int

const (
	EventRemoteTrack EventKind = iota + 1
	EventLocalCandidate
	EventConnectionState
)

func (k EventKind) String() string {
	switch k {
	case EventRemoteTrack:
		return "remote-track"
	case EventLocalCandidate:
		return "local-candidate"
	case EventConnectionState:
		return "connection-state"
	default:
		return "unknown"
	}
}

// ConnectionState is the aggregate PeerConnection state.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

func connectionStateFromPion(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// Event is emitted by pion callbacks for a specific handle.
type Event struct {
	Handle Handle
	Kind   EventKind

	// EventConnectionState
	State ConnectionState
	// EventLocalCandidate
	Candidate webrtc.ICECandidateInit
	// EventRemoteTrack
	Track    *webrtc.TrackRemote
	StreamID string
}
