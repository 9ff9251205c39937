package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/lancomm/internal/audio"
	"github.com/doismellburning/lancomm/internal/config"
)

// virtualUserIDBase is the start of the reserved, never-on-the-wire id
// space for 4-wire bridge virtual participants (spec §9's resolved Open
// Question: the wire's user_id is an unsigned uint32, so the reserved
// band sits at the top of the range rather than using negative ids).
const virtualUserIDBase = 0xFFFFFFF0

// VirtualUserID returns the reserved internal user_id for bridge index i
// (0 or 1). These ids are never accepted from an upstream UDP datagram
// (see MaxUserID) and never appear on the wire.
func VirtualUserID(bridgeIndex int) uint32 {
	return virtualUserIDBase + uint32(bridgeIndex)
}

// FourWireBridge is one of the two 4-wire bridge instances (C7): a virtual
// participant that both injects into and taps a channel's mix via a local
// audio input/output device pair.
type FourWireBridge struct {
	index  int
	cfg    *config.Store
	audio  *AudioState
	logger *log.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewFourWireBridge constructs bridge index (0 or 1).
func NewFourWireBridge(index int, cfg *config.Store, audioState *AudioState, logger *log.Logger) *FourWireBridge {
	return &FourWireBridge{index: index, cfg: cfg, audio: audioState, logger: logger}
}

// VirtualUserID returns this bridge's reserved participant id.
func (b *FourWireBridge) VirtualUserID() uint32 { return VirtualUserID(b.index) }

// Start takes already-opened input and output devices (a nil device is
// reported as an open failure) and begins the bridge's worker loop against
// settings.ChannelID. Starting the bridge enables both
// directions at once (spec §4.7). Calling Start while already running
// first stops the prior worker (device-change handling requires a full
// stop-then-start, spec §4.7).
func (b *FourWireBridge) Start(ctx context.Context, settings config.FourWireSettings, input audio.CaptureDevice, output audio.PlaybackDevice) error {
	b.Stop()

	if input == nil || output == nil {
		return fmt.Errorf("fourwire[%d]: device open failed", b.index)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.running = true
	b.cancel = cancel
	b.mu.Unlock()

	uid := b.VirtualUserID()
	b.audio.SetTalker(settings.ChannelID, uid, true)
	b.audio.SetListener(settings.ChannelID, uid, true)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(workerCtx, settings, input, output)
	}()
	return nil
}

// Stop drains both directions, removes the virtual participant from
// talkers, and closes the device handles.
func (b *FourWireBridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	cancel := b.cancel
	b.running = false
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
}

func (b *FourWireBridge) run(ctx context.Context, settings config.FourWireSettings, input audio.CaptureDevice, output audio.PlaybackDevice) {
	defer input.Close()
	defer output.Close()

	uid := b.VirtualUserID()
	channel := settings.ChannelID
	// ClearUser removes the virtual id from the talker and listener sets
	// and discards its queued frames and sequence tracker.
	defer b.audio.ClearUser(uid)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		in, err := input.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("fourwire input read failed", "index", b.index, "err", err)
			continue
		}

		gained := scaleFrame(in, settings.InputGain)
		b.audio.PushFrame(channel, uid, gained)

		mix := b.localMixMinus(channel, uid, settings.OutputGain)
		if err := output.WriteFrame(ctx, mix); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("fourwire output write failed", "index", b.index, "err", err)
		}
	}
}

// localMixMinus computes the bridge's own mix of every other sender's
// head-of-queue frame on channel, excluding the bridge's own virtual id
// (spec §4.7; this is what prevents an echo of the bridge's own audio
// back into its output even though it is also a talker on the channel).
// The result is scaled by output gain times channel gain, the same as
// Mixer.sendToListener scales every other listener's mix-minus output.
func (b *FourWireBridge) localMixMinus(channel int, self uint32, outputGain float64) audio.Frame {
	talkers := b.audio.Talkers(channel)

	var sum audio.Frame
	count := 0
	for _, t := range talkers {
		if t == self {
			continue
		}
		f, ok := b.audio.PeekFrame(channel, t)
		if !ok {
			continue
		}
		sum = sum.Add(f)
		count++
	}
	if count == 0 {
		return audio.Silence()
	}
	channelGain := b.cfg.Snapshot().Channels[channel].Gain
	return scaleFrame(sum, outputGain*channelGain/float64(count))
}
