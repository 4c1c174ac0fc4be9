// ABOUTME: Upstream dialer negotiating a WebRTC session with the realtime voice service
// ABOUTME: Posts the SDP offer over an otelhttp-instrumented client with bearer auth

package rtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/2389/coven-voice/internal/media"
	"github.com/2389/coven-voice/internal/upstream"
)

// ControlChannelLabel is the data channel the service reads events from.
const ControlChannelLabel = "oai-events"

const maxAnswerBytes = 1 << 20

// DialerConfig configures the upstream dialer.
type DialerConfig struct {
	URL        string // SDP exchange endpoint
	Model      string // sent as the model query parameter when set
	APIKey     string
	ICEServers []string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Dialer implements upstream.Dialer over pion.
type Dialer struct {
	url        string
	model      string
	apiKey     string
	iceServers []string
	client     *http.Client
	logger     *slog.Logger
}

// NewDialer creates a dialer.
func NewDialer(cfg DialerConfig) *Dialer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		}
	}
	return &Dialer{
		url:        cfg.URL,
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		iceServers: cfg.ICEServers,
		client:     client,
		logger:     logger.With("component", "rtc-dialer"),
	}
}

// Dial negotiates a new upstream connection.
func (d *Dialer) Dial(ctx context.Context, cb upstream.Callbacks) (upstream.Conn, error) {
	pc, err := webrtc.NewPeerConnection(configuration(d.iceServers))
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	conn, err := d.setup(ctx, pc, cb)
	if err != nil {
		pc.Close()
		return nil, err
	}
	return conn, nil
}

func (d *Dialer) setup(ctx context.Context, pc *webrtc.PeerConnection, cb upstream.Callbacks) (*upstreamConn, error) {
	track, err := addAudioTrack(pc)
	if err != nil {
		return nil, fmt.Errorf("adding audio track: %w", err)
	}

	conn := &upstreamConn{pc: pc, track: track, ready: make(chan struct{})}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go readAudio(remote, cb.OnAudio, d.logger)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		d.logger.Debug("upstream peer state", "state", s.String())
		if cb.OnState != nil {
			cb.OnState(upstreamState(s))
		}
	})

	dc, err := pc.CreateDataChannel(ControlChannelLabel, nil)
	if err != nil {
		return nil, fmt.Errorf("creating control channel: %w", err)
	}
	conn.dc = dc
	dc.OnOpen(func() {
		conn.readyOnce.Do(func() { close(conn.ready) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if cb.OnControl != nil {
			cb.OnControl(msg.Data)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	answer, err := d.exchange(ctx, pc.LocalDescription().SDP)
	if err != nil {
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return nil, fmt.Errorf("setting remote description: %w", err)
	}

	d.logger.Debug("upstream offer answered")
	return conn, nil
}

// exchange posts the offer SDP and returns the answer SDP.
func (d *Dialer) exchange(ctx context.Context, offer string) (string, error) {
	endpoint, err := url.Parse(d.url)
	if err != nil {
		return "", fmt.Errorf("parsing upstream url: %w", err)
	}
	if d.model != "" {
		q := endpoint.Query()
		q.Set("model", d.model)
		endpoint.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewBufferString(offer))
	if err != nil {
		return "", fmt.Errorf("building sdp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sdp exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", fmt.Errorf("reading sdp answer: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("sdp exchange: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", errEmptySDP
	}
	return string(body), nil
}

// upstreamConn implements upstream.Conn.
type upstreamConn struct {
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample
	dc    *webrtc.DataChannel

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

func (c *upstreamConn) Ready() <-chan struct{} {
	return c.ready
}

func (c *upstreamConn) SendAudio(f media.Frame) error {
	return writeFrame(c.track, f)
}

func (c *upstreamConn) SendControl(data []byte) error {
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("control channel not open")
	}
	return c.dc.Send(data)
}

func (c *upstreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.pc.Close() })
	return err
}
