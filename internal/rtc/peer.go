// ABOUTME: Shared pion helpers: Opus track creation, RTP readers, RTCP draining, state mapping
// ABOUTME: Used by both the upstream dialer and the client leg endpoints

package rtc

import (
	"errors"
	"log/slog"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/2389/coven-voice/internal/legs"
	"github.com/2389/coven-voice/internal/media"
	"github.com/2389/coven-voice/internal/upstream"
)

const streamID = "coven-voice"

func opusCapability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: media.DefaultSampleRate,
		Channels:  media.DefaultChannels,
	}
}

func configuration(iceServers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return cfg
}

// addAudioTrack attaches a local Opus track to pc.
func addAudioTrack(pc *webrtc.PeerConnection) (*webrtc.TrackLocalStaticSample, error) {
	track, err := webrtc.NewTrackLocalStaticSample(opusCapability(), "audio", streamID)
	if err != nil {
		return nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)
	return track, nil
}

// drainRTCP reads sender RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// readAudio forwards each RTP payload of an audio track until it ends.
func readAudio(track *webrtc.TrackRemote, fn func(media.Frame), logger *slog.Logger) {
	codec := track.Codec()
	logger.Debug("remote audio track", "track_id", track.ID(), "mime", codec.MimeType)

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			logger.Debug("remote audio track ended", "track_id", track.ID(), "error", err)
			return
		}
		if len(pkt.Payload) == 0 || fn == nil {
			continue
		}
		fn(media.Frame{
			Data:       pkt.Payload,
			SampleRate: int(codec.ClockRate),
			Channels:   int(codec.Channels),
			Samples:    int(media.DefaultFrameDuration.Seconds() * float64(codec.ClockRate)),
			Duration:   media.DefaultFrameDuration,
		})
	}
}

var errEmptySDP = errors.New("empty session description")

func writeFrame(track *webrtc.TrackLocalStaticSample, f media.Frame) error {
	if f.IsZero() {
		return nil
	}
	return track.WriteSample(pionmedia.Sample{Data: f.Data, Duration: f.FrameDuration()})
}

func upstreamState(s webrtc.PeerConnectionState) upstream.ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return upstream.ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return upstream.ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return upstream.ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return upstream.ConnClosed
	default:
		return upstream.ConnConnecting
	}
}

func legState(s webrtc.PeerConnectionState) legs.State {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return legs.StateNew
	case webrtc.PeerConnectionStateConnected:
		return legs.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return legs.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return legs.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return legs.StateClosed
	default:
		return legs.StateConnecting
	}
}
