package peer

import (
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	pclogging "github.com/mossy-p/pairchat/internal/logging"
)

func newVNetManager(t *testing.T, n *vnet.Net) *Manager {
	t.Helper()
	se := webrtc.SettingEngine{}
	se.SetNet(n)
	require.NoError(t, ApplySettings(&se, APIConfig{Logger: pclogging.Discard()}))
	api, err := NewAPIWithSettings(se)
	require.NoError(t, err)

	m, err := NewManager(Config{API: api, Logger: pclogging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() {
		if h, ok := m.Live(); ok {
			_ = m.Close(h)
		}
	})
	return m
}

// relayCandidates forwards local candidates from src to dst until a
// connected state is seen on src, which is then reported on done.
func relayCandidates(src, dst *Manager, dstHandle Handle, done chan<- struct{}) {
	for ev := range src.Events() {
		switch ev.Kind {
		case EventLocalCandidate:
			_ = dst.AddRemoteCandidate(dstHandle, ev.Candidate)
		case EventConnectionState:
			if ev.State == StateConnected {
				close(done)
				return
			}
		}
	}
}

func TestManagers_ConnectOverVirtualNetwork(t *testing.T) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	require.NoError(t, err)
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	require.NoError(t, err)
	require.NoError(t, router.AddNet(netA))
	require.NoError(t, router.AddNet(netB))
	require.NoError(t, router.Start())

	a := newVNetManager(t, netA)
	b := newVNetManager(t, netB)

	hA, err := a.Create(nil)
	require.NoError(t, err)
	offer, err := a.CreateOffer(hA)
	require.NoError(t, err)

	hB, answer, err := b.ApplyRemoteOffer(0, offer)
	require.NoError(t, err)
	require.NoError(t, a.ApplyRemoteAnswer(hA, answer))

	doneA := make(chan struct{})
	doneB := make(chan struct{})
	go relayCandidates(a, b, hB, doneA)
	go relayCandidates(b, a, hA, doneB)

	for name, done := range map[string]chan struct{}{"a": doneA, "b": doneB} {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatalf("peer %s never reached connected", name)
		}
	}
}
