package models

import (
	"encoding/json"
	"fmt"
)

// Event names exchanged with the relay.
const (
	EventConnected           = "connected"
	EventJoin                = "join"
	EventLeave               = "leave"
	EventLeft                = "left"
	EventStatus              = "status"
	EventMatched             = "matched"
	EventSignal              = "signal"
	EventChatMessage         = "chat_message"
	EventPartnerLeft         = "partner_left"
	EventPartnerDisconnected = "partner_disconnected"
	EventReport              = "report"
	EventError               = "error"
)

// StatusWaiting is the only status message the relay currently sends.
const StatusWaiting = "waiting"

// Envelope is one WebSocket text frame: a named event plus its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope. A nil payload produces an
// envelope without data.
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope data into v. An empty payload leaves v
// untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

type ConnectedPayload struct {
	SID string `json:"sid"`
}

type StatusPayload struct {
	Msg           string `json:"msg"`
	QueuePosition *int   `json:"queue_position,omitempty"`
}

type MatchedPayload struct {
	Peer string `json:"peer"`
	Room string `json:"room,omitempty"`
}

// SignalType is the kind of negotiation payload carried by a signal event.
type SignalType string

const (
	SignalTypeOffer  SignalType = "offer"
	SignalTypeAnswer SignalType = "answer"
	SignalTypeICE    SignalType = "ice"
)

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type SignalData struct {
	Type      SignalType          `json:"type"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
}

// SignalPayload is sent with To set and received with From set.
type SignalPayload struct {
	To   string     `json:"to,omitempty"`
	From string     `json:"from,omitempty"`
	Data SignalData `json:"data"`
}

type ChatPayload struct {
	Message string `json:"message"`
}

type PartnerPayload struct {
	Peer string `json:"peer,omitempty"`
}

type ReportPayload struct {
	Reason  string `json:"reason"`
	Details string `json:"details,omitempty"`
}

type MessagePayload struct {
	Msg string `json:"msg"`
}
