// ABOUTME: Client leg endpoints answering browser WebRTC offers
// ABOUTME: Each endpoint has a local Opus track for session audio and reads the client's track

package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/2389/coven-voice/internal/legs"
	"github.com/2389/coven-voice/internal/media"
)

// EndpointFactory implements legs.EndpointFactory over pion.
type EndpointFactory struct {
	iceServers []string
	logger     *slog.Logger
}

// NewEndpointFactory creates a factory. Pass nil logger for default.
func NewEndpointFactory(iceServers []string, logger *slog.Logger) *EndpointFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &EndpointFactory{
		iceServers: iceServers,
		logger:     logger.With("component", "rtc-endpoint"),
	}
}

// NewEndpoint creates an answering peer connection.
func (f *EndpointFactory) NewEndpoint(cb legs.EndpointCallbacks) (legs.Endpoint, error) {
	pc, err := webrtc.NewPeerConnection(configuration(f.iceServers))
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	track, err := addAudioTrack(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("adding audio track: %w", err)
	}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go readAudio(remote, cb.OnAudio, f.logger)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if cb.OnState != nil {
			cb.OnState(legState(s))
		}
	})

	return &endpoint{pc: pc, track: track}, nil
}

type endpoint struct {
	pc        *webrtc.PeerConnection
	track     *webrtc.TrackLocalStaticSample
	closeOnce sync.Once
}

// Answer applies the offer and returns the answer once ICE gathering is
// complete, so the client needs no trickle step.
func (e *endpoint) Answer(ctx context.Context, offer string) (string, error) {
	if strings.TrimSpace(offer) == "" {
		return "", errEmptySDP
	}
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return e.pc.LocalDescription().SDP, nil
}

func (e *endpoint) WriteAudio(f media.Frame) error {
	return writeFrame(e.track, f)
}

func (e *endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() { err = e.pc.Close() })
	return err
}
