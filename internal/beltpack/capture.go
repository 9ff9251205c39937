package beltpack

import (
	"context"
	"net"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/lancomm/internal/audio"
)

// Capture runs the beltpack's 20 ms capture loop (spec §4.5, §6): read one
// microphone frame per tick, and send it upstream once per channel
// currently keyed on any slot, each with its own rolling sequence number
// but sharing the same captured PCM.
type Capture struct {
	device audio.CaptureDevice
	conn   *net.UDPConn
	dst    *net.UDPAddr
	client *Client
	logger *log.Logger

	mu      sync.Mutex
	lastMic audio.Frame
	seq     map[int]uint16
}

// NewCapture constructs a Capture pipeline sending upstream frames to dst
// over conn.
func NewCapture(device audio.CaptureDevice, conn *net.UDPConn, dst *net.UDPAddr, client *Client, logger *log.Logger) *Capture {
	return &Capture{
		device: device,
		conn:   conn,
		dst:    dst,
		client: client,
		logger: logger,
		seq:    make(map[int]uint16),
	}
}

// Run drives the capture loop until ctx is cancelled or the device errs.
func (c *Capture) Run(ctx context.Context, buttons *ButtonController) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame, err := c.device.ReadFrame(ctx)
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.lastMic = frame
		c.mu.Unlock()

		c.sendForKeyedSlots(frame, buttons)
	}
}

// LastMic returns the most recently captured frame, for Playback's
// sidetone injection.
func (c *Capture) LastMic() audio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMic
}

// sendForKeyedSlots transmits one upstream datagram per currently-keyed
// slot. Two slots bound to the same channel would double-send; profiles
// are expected not to duplicate a channel across slots (spec §4.2).
func (c *Capture) sendForKeyedSlots(frame audio.Frame, buttons *ButtonController) {
	slots := c.client.Slots()
	userID := c.client.UserID()

	for slot, st := range slots {
		if st == nil || !buttons.Talking(slot) {
			continue
		}

		c.mu.Lock()
		seq := c.seq[st.ChannelID]
		c.seq[st.ChannelID] = seq + 1
		c.mu.Unlock()

		up := audio.UpstreamFrame{
			ChannelID: uint32(st.ChannelID),
			UserID:    userID,
			Sequence:  uint32(seq),
			PCM:       frame,
		}
		if _, err := c.conn.WriteToUDP(audio.EncodeUpstream(up), c.dst); err != nil {
			c.logger.Debug("upstream send failed", "channel", st.ChannelID, "err", err)
		}
	}
}
