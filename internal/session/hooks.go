package session

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// hooks holds UI collaborator callbacks. Handlers run in order once the
// transition that raised them is complete; they may call any Machine
// method, including Skip from an OnEnded handler.
type hooks struct {
	mu          sync.RWMutex
	status      []func(Status)
	connected   []func(partner string)
	remoteTrack []func(*webrtc.TrackRemote)
	chat        []func(ChatMessage)
	ended       []func(Reason)
	errs        []func(error)
}

func (m *Machine) OnStatusChanged(fn func(Status)) {
	m.hooks.mu.Lock()
	m.hooks.status = append(m.hooks.status, fn)
	m.hooks.mu.Unlock()
}

func (m *Machine) OnConnected(fn func(partner string)) {
	m.hooks.mu.Lock()
	m.hooks.connected = append(m.hooks.connected, fn)
	m.hooks.mu.Unlock()
}

// OnRemoteTrack hands remote media to the rendering collaborator. The track
// is only valid until the session ends.
func (m *Machine) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	m.hooks.mu.Lock()
	m.hooks.remoteTrack = append(m.hooks.remoteTrack, fn)
	m.hooks.mu.Unlock()
}

func (m *Machine) OnChatReceived(fn func(ChatMessage)) {
	m.hooks.mu.Lock()
	m.hooks.chat = append(m.hooks.chat, fn)
	m.hooks.mu.Unlock()
}

func (m *Machine) OnEnded(fn func(Reason)) {
	m.hooks.mu.Lock()
	m.hooks.ended = append(m.hooks.ended, fn)
	m.hooks.mu.Unlock()
}

func (m *Machine) OnError(fn func(error)) {
	m.hooks.mu.Lock()
	m.hooks.errs = append(m.hooks.errs, fn)
	m.hooks.mu.Unlock()
}

func fire[T any](mu *sync.RWMutex, handlers *[]func(T), v T) {
	mu.RLock()
	hs := *handlers
	mu.RUnlock()
	for _, h := range hs {
		h(v)
	}
}
