package server

import (
	"context"
	"net"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/lancomm/internal/audio"
	"github.com/doismellburning/lancomm/internal/config"
	"github.com/doismellburning/lancomm/internal/session"
)

// MaxUserID bounds the user_id field accepted from an upstream datagram
// (spec §4.5); real sessions are allocated from 0 upward by the Session
// Registry, so this also rejects the reserved 4-wire virtual id band.
const MaxUserID = 10000

// Ingress is the Ingress Demux (C5): it parses incoming UDP frames,
// validates the sender is an authorized talker on the target channel, and
// appends accepted PCM to the Audio store's jitter buffers.
type Ingress struct {
	conn     *net.UDPConn
	cfg      *config.Store
	audio    *AudioState
	registry *session.Registry
	logger   *log.Logger
}

// NewIngress constructs an Ingress reading from conn.
func NewIngress(conn *net.UDPConn, cfg *config.Store, audioState *AudioState, registry *session.Registry, logger *log.Logger) *Ingress {
	return &Ingress{conn: conn, cfg: cfg, audio: audioState, registry: registry, logger: logger}
}

// Run reads datagrams from the UDP socket until ctx is cancelled.
func (in *Ingress) Run(ctx context.Context) error {
	buf := make([]byte, 2048)
	go func() {
		<-ctx.Done()
		in.conn.Close()
	}()

	for {
		n, addr, err := in.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.logger.Warn("udp read failed", "err", err)
			continue
		}
		in.handle(buf[:n], addr)
	}
}

func (in *Ingress) handle(data []byte, addr *net.UDPAddr) {
	frame, err := audio.DecodeUpstream(data)
	if err != nil {
		in.logger.Debug("dropped short upstream datagram", "from", addr, "err", err)
		return
	}

	channel := int(frame.ChannelID)
	if channel < 0 || channel >= config.MaxChannels {
		in.logger.Debug("dropped upstream frame: channel out of range", "channel", channel, "from", addr)
		return
	}

	snapshot := in.cfg.Snapshot()
	if !snapshot.Channels[channel].Enabled {
		in.logger.Debug("dropped upstream frame: channel disabled", "channel", channel, "from", addr)
		return
	}

	if frame.UserID > MaxUserID {
		in.logger.Debug("dropped upstream frame: user id out of range", "user", frame.UserID, "from", addr)
		return
	}

	if !in.audio.IsTalker(channel, frame.UserID) {
		// Frame received before the sender is a talker on this channel
		// (spec §8 boundary behavior); silently dropped.
		return
	}

	if lost := in.audio.ObserveSequence(channel, frame.UserID, frame.Sequence); lost > 0 {
		in.logger.Debug("sequence gap", "channel", channel, "user", frame.UserID, "lost", lost)
	}

	in.audio.PushFrame(channel, frame.UserID, frame.PCM)

	// Secondary address-learning path: catches clients that skipped
	// SET_UDP (spec §4.5).
	if sess, ok := in.registry.Get(frame.UserID); ok {
		in.registry.LearnUDPSource(sess, addr)
	}
}
