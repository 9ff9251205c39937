// Package audio holds the fixed-size PCM frame type, the jitter buffer that
// smooths per-(channel,sender) arrival timing, and the two UDP wire layouts
// (upstream from a talker, downstream to a listener) described in spec §4.5
// and §4.6.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// SampleRate is the fixed sample rate for every PCM frame in the fabric.
	SampleRate = 48000
	// FrameDurationMS is the fixed frame duration driving capture, jitter
	// buffers, and the mixer tick.
	FrameDurationMS = 20
	// FrameSamples is the number of mono int16 samples per 20 ms frame at
	// 48 kHz: 48000 * 0.020.
	FrameSamples = 960
	// FrameBytes is the wire size of one frame's PCM payload.
	FrameBytes = FrameSamples * 2

	// MaxChannels bounds channel ids to [0, MaxChannels).
	MaxChannels = 10
	// ProgramChannelID is the reserved pseudo-channel used only by the
	// mixer to attenuate an external program feed; it has no network
	// identity and never appears in an upstream or downstream frame.
	ProgramChannelID = -1

	upstreamHeaderBytes   = 12
	downstreamHeaderBytes = 12
)

// Frame is a 20 ms mono 16-bit PCM buffer. The zero value is silence.
type Frame [FrameSamples]int16

// Silence returns a frame of all-zero samples.
func Silence() Frame {
	return Frame{}
}

// Add returns the element-wise sum of f and other without saturating: a sum
// outside the int16 range wraps around. Callers that need headroom can
// accumulate Scale results as float64 and quantize once via QuantizeClip.
func (f Frame) Add(other Frame) Frame {
	var out Frame
	for i := range f {
		out[i] = f[i] + other[i]
	}
	return out
}

// Scale multiplies every sample by g and returns the result as float64 so
// that callers can accumulate before quantizing once.
func (f Frame) Scale(g float64) [FrameSamples]float64 {
	var out [FrameSamples]float64
	for i, s := range f {
		out[i] = float64(s) * g
	}
	return out
}

// QuantizeClip converts a float64 sample buffer back to a Frame, clipping
// each sample to the int16 range.
func QuantizeClip(samples [FrameSamples]float64) Frame {
	var out Frame
	for i, s := range samples {
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		out[i] = int16(s)
	}
	return out
}

// RMS computes the root-mean-square amplitude of the frame, normalized to
// [0,1] against the full int16 range.
func (f Frame) RMS() float64 {
	var sumSquares float64
	for _, s := range f {
		v := float64(s)
		sumSquares += v * v
	}
	mean := sumSquares / float64(len(f))
	return math.Sqrt(mean) / 32768.0
}

// UpstreamFrame is the UDP payload a talker sends: a fixed header followed
// by exactly FrameBytes of PCM (spec §4.5).
type UpstreamFrame struct {
	ChannelID uint32
	UserID    uint32
	Sequence  uint32
	PCM       Frame
}

var (
	// ErrShortFrame is returned when a received datagram is too small to
	// contain even the upstream header.
	ErrShortFrame = errors.New("audio: frame shorter than header")
)

// DecodeUpstream parses a raw UDP datagram into an UpstreamFrame. PCM
// shorter than FrameBytes is padded with silence; PCM longer than
// FrameBytes is truncated, per spec §4.5.
func DecodeUpstream(data []byte) (UpstreamFrame, error) {
	if len(data) < upstreamHeaderBytes {
		return UpstreamFrame{}, ErrShortFrame
	}
	var f UpstreamFrame
	f.ChannelID = binary.BigEndian.Uint32(data[0:4])
	f.UserID = binary.BigEndian.Uint32(data[4:8])
	f.Sequence = binary.BigEndian.Uint32(data[8:12])

	pcm := data[upstreamHeaderBytes:]
	n := len(pcm) / 2
	if n > FrameSamples {
		n = FrameSamples
	}
	for i := 0; i < n; i++ {
		f.PCM[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return f, nil
}

// EncodeUpstream serializes an UpstreamFrame for transmission.
func EncodeUpstream(f UpstreamFrame) []byte {
	buf := make([]byte, upstreamHeaderBytes+FrameBytes)
	binary.BigEndian.PutUint32(buf[0:4], f.ChannelID)
	binary.BigEndian.PutUint32(buf[4:8], f.UserID)
	binary.BigEndian.PutUint32(buf[8:12], f.Sequence)
	for i, s := range f.PCM {
		binary.LittleEndian.PutUint16(buf[upstreamHeaderBytes+i*2:upstreamHeaderBytes+i*2+2], uint16(s))
	}
	return buf
}

// DownstreamFrame is the UDP payload sent to each listener (spec §4.6):
// a channel id, 8 reserved zero bytes, and PCM.
type DownstreamFrame struct {
	ChannelID uint32
	PCM       Frame
}

// EncodeDownstream serializes a DownstreamFrame for transmission.
func EncodeDownstream(f DownstreamFrame) []byte {
	buf := make([]byte, downstreamHeaderBytes+FrameBytes)
	binary.BigEndian.PutUint32(buf[0:4], f.ChannelID)
	// bytes 4:12 are reserved and left zero.
	for i, s := range f.PCM {
		binary.LittleEndian.PutUint16(buf[downstreamHeaderBytes+i*2:downstreamHeaderBytes+i*2+2], uint16(s))
	}
	return buf
}

// DecodeDownstream parses a downstream datagram as received by a beltpack.
func DecodeDownstream(data []byte) (DownstreamFrame, error) {
	if len(data) < downstreamHeaderBytes {
		return DownstreamFrame{}, fmt.Errorf("audio: downstream frame too short (%d bytes): %w", len(data), ErrShortFrame)
	}
	var f DownstreamFrame
	f.ChannelID = binary.BigEndian.Uint32(data[0:4])
	pcm := data[downstreamHeaderBytes:]
	n := len(pcm) / 2
	if n > FrameSamples {
		n = FrameSamples
	}
	for i := 0; i < n; i++ {
		f.PCM[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return f, nil
}
