// ABOUTME: Opaque audio frame passed between client legs and the upstream session
// ABOUTME: Carries encoded payload bytes plus the format facts needed to pace them

package media

import "time"

const (
	// DefaultSampleRate is the Opus clock rate used on both transport sides.
	DefaultSampleRate = 48000
	// DefaultChannels matches the stereo Opus negotiation WebRTC peers use.
	DefaultChannels = 2
	// DefaultFrameDuration is the packetization interval of one Opus frame.
	DefaultFrameDuration = 20 * time.Millisecond
)

// Frame is one encoded audio frame. The payload is never decoded or mixed;
// it is relayed as-is between transports.
type Frame struct {
	Data       []byte
	SampleRate int
	Channels   int
	Samples    int
	Duration   time.Duration
}

// NewFrame wraps a payload using the default format.
func NewFrame(data []byte) Frame {
	return Frame{
		Data:       data,
		SampleRate: DefaultSampleRate,
		Channels:   DefaultChannels,
		Samples:    int(DefaultFrameDuration.Seconds() * DefaultSampleRate),
		Duration:   DefaultFrameDuration,
	}
}

// IsZero reports whether the frame carries no payload.
func (f Frame) IsZero() bool {
	return len(f.Data) == 0
}

// FrameDuration returns the frame's duration, deriving it from the sample
// count when the producer left Duration unset.
func (f Frame) FrameDuration() time.Duration {
	if f.Duration > 0 {
		return f.Duration
	}
	if f.SampleRate > 0 && f.Samples > 0 {
		return time.Duration(f.Samples) * time.Second / time.Duration(f.SampleRate)
	}
	return DefaultFrameDuration
}
