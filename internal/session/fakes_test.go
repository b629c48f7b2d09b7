package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/pairchat/internal/models"
	"github.com/mossy-p/pairchat/internal/peer"
	"github.com/mossy-p/pairchat/internal/transport"
)

type emitted struct {
	event   string
	payload any
}

type fakeTransport struct {
	mu         sync.Mutex
	id         string
	connected  bool
	connectErr error
	sent       []emitted
	closes     int

	events chan transport.Event
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id, events: make(chan transport.Event, 64)}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) SelfID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ""
	}
	return f.id
}

func (f *fakeTransport) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	f.sent = append(f.sent, emitted{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closes++
	return nil
}

func (f *fakeTransport) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.sent {
		if e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeTransport) signals() []models.SignalPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SignalPayload
	for _, e := range f.sent {
		if p, ok := e.payload.(models.SignalPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeTransport) deliver(event string, payload any) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		panic(err)
	}
	f.events <- transport.Event{Name: env.Event, Data: json.RawMessage(env.Data)}
}

type fakePeers struct {
	mu         sync.Mutex
	next       peer.Handle
	live       peer.Handle
	created    []peer.Handle
	closed     []peer.Handle
	conflicts  int
	offerErr   error
	answers    int
	candidates []webrtc.ICECandidateInit

	events chan peer.Event
}

func newFakePeers() *fakePeers {
	return &fakePeers{events: make(chan peer.Event, 64)}
}

func (f *fakePeers) Events() <-chan peer.Event { return f.events }

func (f *fakePeers) Create([]webrtc.TrackLocal) (peer.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createLocked()
}

func (f *fakePeers) createLocked() (peer.Handle, error) {
	if f.live != 0 {
		f.conflicts++
		return 0, peer.ErrResourceConflict
	}
	f.next++
	f.live = f.next
	f.created = append(f.created, f.next)
	return f.next, nil
}

func (f *fakePeers) CreateOffer(h peer.Handle) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h == 0 || h != f.live {
		return webrtc.SessionDescription{}, &peer.NegotiationError{Op: "create offer", Err: peer.ErrStaleHandle}
	}
	if f.offerErr != nil {
		return webrtc.SessionDescription{}, &peer.NegotiationError{Op: "create offer", Err: f.offerErr}
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakePeers) ApplyRemoteOffer(h peer.Handle, _ webrtc.SessionDescription) (peer.Handle, webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h == 0 {
		created, err := f.createLocked()
		if err != nil {
			return 0, webrtc.SessionDescription{}, err
		}
		h = created
	}
	return h, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakePeers) ApplyRemoteAnswer(h peer.Handle, _ webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h != f.live {
		return &peer.NegotiationError{Op: "apply answer", Err: peer.ErrStaleHandle}
	}
	f.answers++
	return nil
}

func (f *fakePeers) AddRemoteCandidate(_ peer.Handle, c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePeers) Close(h peer.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h == f.live {
		f.live = 0
	}
	f.closed = append(f.closed, h)
	return nil
}

func (f *fakePeers) snapshot() (created, closed []peer.Handle, live peer.Handle, conflicts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]peer.Handle(nil), f.created...), append([]peer.Handle(nil), f.closed...), f.live, f.conflicts
}

func (f *fakePeers) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

func hostCandidateInit() webrtc.ICECandidateInit {
	mid := "0"
	return webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 50000 typ host",
		SDPMid:    &mid,
	}
}
