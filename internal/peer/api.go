package peer

import (
	"fmt"
	"log/slog"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// APIConfig holds the network knobs applied to every PeerConnection.
type APIConfig struct {
	UDPPortMin uint16
	UDPPortMax uint16
	Logger     *slog.Logger
}

// NewAPI builds a pion API with the default audio/video codecs and
// interceptors, logging through slog.
func NewAPI(cfg APIConfig) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplySettings(&se, cfg); err != nil {
		return nil, err
	}
	return NewAPIWithSettings(se)
}

// NewAPIWithSettings is NewAPI for callers that need extra SettingEngine
// options (for example a virtual network in tests).
func NewAPIWithSettings(se webrtc.SettingEngine) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func ApplySettings(se *webrtc.SettingEngine, cfg APIConfig) error {
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if cfg.Logger != nil {
		se.LoggerFactory = NewLoggerFactory(cfg.Logger)
	}
	return nil
}
