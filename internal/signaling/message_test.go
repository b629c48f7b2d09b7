package signaling

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/pairchat/internal/models"
)

const testSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func TestDecode_BrowserShapedPayloads(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want models.SignalType
	}{
		{"offer", `{"from":"b2","data":{"type":"offer","sdp":{"type":"offer","sdp":"v=0\r\n"}}}`, models.SignalTypeOffer},
		{"answer", `{"from":"b2","data":{"type":"answer","sdp":{"type":"answer","sdp":"v=0\r\n"}}}`, models.SignalTypeAnswer},
		{"ice", `{"from":"b2","data":{"type":"ice","candidate":{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}}`, models.SignalTypeICE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p models.SignalPayload
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &p))

			m, err := Decode(p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Type)
			assert.Equal(t, "b2", m.From)
		})
	}
}

func TestDecode_ICECandidateFields(t *testing.T) {
	var p models.SignalPayload
	require.NoError(t, json.Unmarshal([]byte(`{"from":"b2","data":{"type":"ice","candidate":{"candidate":"candidate:1","sdpMid":"audio","sdpMLineIndex":1}}}`), &p))

	m, err := Decode(p)
	require.NoError(t, err)
	require.NotNil(t, m.Candidate)
	require.NotNil(t, m.Candidate.SDPMid)
	require.NotNil(t, m.Candidate.SDPMLineIndex)
	assert.Equal(t, "audio", *m.Candidate.SDPMid)
	assert.Equal(t, uint16(1), *m.Candidate.SDPMLineIndex)
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		p    models.SignalPayload
	}{
		{"no addressing", models.SignalPayload{Data: models.SignalData{Type: models.SignalTypeICE, Candidate: &models.ICECandidate{}}}},
		{"unknown type", models.SignalPayload{From: "x", Data: models.SignalData{Type: "hangup"}}},
		{"offer without sdp", models.SignalPayload{From: "x", Data: models.SignalData{Type: models.SignalTypeOffer}}},
		{"offer carrying answer", models.SignalPayload{From: "x", Data: models.SignalData{Type: models.SignalTypeOffer, SDP: &models.SessionDescription{Type: "answer", SDP: testSDP}}}},
		{"empty sdp", models.SignalPayload{From: "x", Data: models.SignalData{Type: models.SignalTypeAnswer, SDP: &models.SessionDescription{Type: "answer"}}}},
		{"bad sdp type", models.SignalPayload{From: "x", Data: models.SignalData{Type: models.SignalTypeAnswer, SDP: &models.SessionDescription{Type: "rollback", SDP: testSDP}}}},
		{"ice without candidate", models.SignalPayload{From: "x", Data: models.SignalData{Type: models.SignalTypeICE}}},
		{"ice with sdp", models.SignalPayload{From: "x", Data: models.SignalData{Type: models.SignalTypeICE, Candidate: &models.ICECandidate{}, SDP: &models.SessionDescription{Type: "offer", SDP: testSDP}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.p)
			require.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestPayload_DecodeRoundTripPreservesAddressing(t *testing.T) {
	out, err := NewOffer("b2", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP})
	require.NoError(t, err)

	p := out.Payload()
	assert.Equal(t, "b2", p.To)
	assert.Equal(t, "offer", p.Data.SDP.Type)

	// The relay rewrites to into from before delivery.
	p.From, p.To = "a1", ""
	in, err := Decode(p)
	require.NoError(t, err)
	assert.Equal(t, "a1", in.From)
	assert.Equal(t, testSDP, in.SDP.SDP)
}

func TestNewAnswer_RejectsMismatchedSDPType(t *testing.T) {
	_, err := NewAnswer("b2", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP})
	require.ErrorIs(t, err, ErrInvalidMessage)
}
