package beltpack

import (
	"context"
	"net"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/lancomm/internal/audio"
	"github.com/doismellburning/lancomm/internal/config"
)

// SidetoneLevel is the fixed gain applied to the beltpack's own captured
// mic frame when mixing it back into the earpiece while any channel is
// keyed (spec §6: "SIDETONE_LEVEL (≈0.18)").
const SidetoneLevel = 0.18

// Playback runs the beltpack's 20 ms receive mixer (spec §6): sum the
// head frame of each slot's jitter buffer scaled by that slot's local
// volume, add sidetone while talking, then clip and write to the device.
type Playback struct {
	device  audio.PlaybackDevice
	client  *Client
	capture *Capture
	buttons *ButtonController
	logger  *log.Logger

	mu      sync.Mutex
	buffers map[int]*audio.JitterBuffer // keyed by slot
}

// NewPlayback constructs a Playback pipeline. capture supplies the last
// mic frame for sidetone, and buttons reports which slots are currently
// keyed.
func NewPlayback(device audio.PlaybackDevice, client *Client, capture *Capture, buttons *ButtonController, logger *log.Logger) *Playback {
	return &Playback{
		device:  device,
		client:  client,
		capture: capture,
		buttons: buttons,
		logger:  logger,
		buffers: make(map[int]*audio.JitterBuffer, config.MaxUserChannels),
	}
}

// Deliver routes a downstream datagram's PCM into the jitter buffer for
// whichever slot the channel is currently assigned to, per the beltpack's
// own bound slot table (not the server's). Frames for a channel not
// currently bound to any slot are dropped.
func (p *Playback) Deliver(f audio.DownstreamFrame) {
	slots := p.client.Slots()
	for slot, st := range slots {
		if st == nil || st.ChannelID != int(f.ChannelID) {
			continue
		}
		p.bufferFor(slot).Push(f.PCM)
		return
	}
}

func (p *Playback) bufferFor(slot int) *audio.JitterBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buffers[slot]
	if !ok {
		b = audio.NewJitterBuffer(audio.DropNewest)
		p.buffers[slot] = b
	}
	return b
}

// Tick renders one 20 ms output frame: the volume-scaled sum of every
// slot's jitter-buffer head, plus sidetone when any slot is keyed.
func (p *Playback) Tick() audio.Frame {
	var sum [audio.FrameSamples]float64

	slots := p.client.Slots()
	talking := false
	for slot, st := range slots {
		if st == nil {
			continue
		}
		if p.buttons.Talking(slot) {
			talking = true
		}
		f, _ := p.bufferFor(slot).Pop()
		scaled := f.Scale(st.Volume)
		for i, v := range scaled {
			sum[i] += v
		}
	}

	if talking {
		mic := p.capture.LastMic().Scale(SidetoneLevel)
		for i, v := range mic {
			sum[i] += v
		}
	}

	return audio.QuantizeClip(sum)
}

// Run drives the playback loop on the device's own cadence until ctx is
// cancelled.
func (p *Playback) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.device.WriteFrame(ctx, p.Tick()); err != nil {
			return err
		}
	}
}

// ReceiveLoop reads downstream UDP datagrams from conn and delivers them
// into the corresponding slot's jitter buffer until ctx is cancelled or
// the socket errors.
func (p *Playback) ReceiveLoop(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, 2048)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		f, err := audio.DecodeDownstream(buf[:n])
		if err != nil {
			p.logger.Debug("dropped malformed downstream datagram", "err", err)
			continue
		}
		p.Deliver(f)
	}
}
