package server

import (
	"context"
	"net"
	"time"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/lancomm/internal/audio"
	"github.com/doismellburning/lancomm/internal/config"
	"github.com/doismellburning/lancomm/internal/session"
)

// TickInterval is the mixer's fixed cadence (spec §4.6).
const TickInterval = audio.FrameDurationMS * time.Millisecond

// Mixer drives the fixed 20 ms tick that consumes one frame per active
// talker per enabled channel, computes per-listener mix-minus output, and
// emits downstream UDP datagrams (spec §4.6).
type Mixer struct {
	cfg      *config.Store
	audio    *AudioState
	registry *session.Registry
	conn     *net.UDPConn
	logger   *log.Logger

	// clock lets tests drive ticks deterministically instead of waiting
	// on a real time.Ticker.
	clock func() <-chan time.Time
}

// NewMixer constructs a Mixer that sends downstream frames over conn.
func NewMixer(cfg *config.Store, audioState *AudioState, registry *session.Registry, conn *net.UDPConn, logger *log.Logger) *Mixer {
	return &Mixer{cfg: cfg, audio: audioState, registry: registry, conn: conn, logger: logger}
}

// Run ticks every TickInterval until ctx is cancelled. A missed deadline
// is simply dropped — time.Ticker coalesces backlog rather than firing a
// catch-up burst, matching spec §4.6's "missed deadlines do not try to
// catch up".
func (m *Mixer) Run(ctx context.Context) {
	tickCh := m.clock
	if tickCh == nil {
		ticker := time.NewTicker(TickInterval)
		defer ticker.Stop()
		tickCh = func() <-chan time.Time { return ticker.C }
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickCh():
			m.Tick()
		}
	}
}

// Tick runs one mixer pass over every channel. Exported so tests (and a
// custom clock) can drive it deterministically.
func (m *Mixer) Tick() {
	snapshot := m.cfg.Snapshot()
	for ch := 0; ch < config.MaxChannels; ch++ {
		if !snapshot.Channels[ch].Enabled {
			continue
		}
		m.tickChannel(ch, snapshot.Channels[ch].Gain)
	}
}

func (m *Mixer) tickChannel(channel int, gain float64) {
	talkers := m.audio.Talkers(channel)
	listeners := m.audio.Listeners(channel)

	if len(talkers) == 0 || len(listeners) == 0 {
		m.audio.DrainChannelBuffers(channel)
		return
	}

	frames := make(map[uint32]audio.Frame, len(talkers))
	for _, t := range talkers {
		f, _ := m.audio.PopFrame(channel, t)
		frames[t] = f
	}

	// Full mix, for metering only (pre-gain).
	var fullSum audio.Frame
	for _, f := range frames {
		fullSum = fullSum.Add(f)
	}
	divisor := 1
	if len(talkers) > 1 {
		divisor = len(talkers)
	}
	fullMix := scaleFrame(fullSum, 1.0/float64(divisor))
	m.audio.SetLevel(channel, fullMix.RMS())

	for _, l := range listeners {
		m.sendToListener(channel, l, talkers, frames, gain)
	}
}

func (m *Mixer) sendToListener(channel int, listener uint32, talkers []uint32, frames map[uint32]audio.Frame, gain float64) {
	var sum audio.Frame
	count := 0
	for _, t := range talkers {
		if t == listener {
			continue
		}
		sum = sum.Add(frames[t])
		count++
	}

	if count == 0 {
		// The only talker is the listener themself: mix-minus would be
		// silence, so no packet is sent at all (spec §4.6 tie-break).
		return
	}

	sess, ok := m.registry.Get(listener)
	if !ok || sess.UDPReturn == nil {
		// No known return address yet; skipped silently (spec §4.6).
		return
	}

	mixed := scaleFrame(sum, gain/float64(count))
	out := audio.DownstreamFrame{ChannelID: uint32(channel), PCM: mixed}
	if _, err := m.conn.WriteToUDP(audio.EncodeDownstream(out), sess.UDPReturn); err != nil {
		m.logger.Debug("downstream send failed", "channel", channel, "listener", listener, "err", err)
	}
}

// scaleFrame scales and clips a frame in one pass.
func scaleFrame(f audio.Frame, gain float64) audio.Frame {
	var samples [audio.FrameSamples]float64
	for i, s := range f {
		samples[i] = float64(s) * gain
	}
	return audio.QuantizeClip(samples)
}
