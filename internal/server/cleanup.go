package server

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/lancomm/internal/session"
)

// CleanupInterval is how often the background reaper sweeps for stale
// sessions and idle channels (spec §4.6).
const CleanupInterval = 5 * time.Second

// IdleChannelTimeout is how long a channel must go without talker
// activity before its jitter buffers and sequence trackers are discarded
// (spec §4.6).
const IdleChannelTimeout = 60 * time.Second

// idleSweepInterval governs how often the idle-channel sweep itself runs;
// spec §4.6 fixes this at 30s independent of the faster stale-session
// check above.
const idleSweepInterval = 30 * time.Second

// Cleanup is the background reaper task (spec §5: "one background task
// reaps stale sessions/channels").
type Cleanup struct {
	registry *session.Registry
	audio    *AudioState
	conns    *connTracker
	logger   *log.Logger
}

// NewCleanup constructs a Cleanup task.
func NewCleanup(registry *session.Registry, audioState *AudioState, conns *connTracker, logger *log.Logger) *Cleanup {
	return &Cleanup{registry: registry, audio: audioState, conns: conns, logger: logger}
}

// Run sweeps on CleanupInterval until ctx is cancelled.
func (cl *Cleanup) Run(ctx context.Context) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	lastIdleSweep := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			cl.reapSessions(now)
			if now.Sub(lastIdleSweep) >= idleSweepInterval {
				cl.sweepIdleChannels(now)
				lastIdleSweep = now
			}
		}
	}
}

func (cl *Cleanup) reapSessions(now time.Time) {
	stale := cl.registry.ReapStale(now)
	for _, sess := range stale {
		cl.logger.Info("reaped stale session", "user_id", sess.UserID)
		if conn, ok := cl.conns.get(sess.UserID); ok {
			conn.Close()
		}
	}
}

func (cl *Cleanup) sweepIdleChannels(now time.Time) {
	cutoff := now.Add(-IdleChannelTimeout)
	for _, ch := range cl.audio.IdleChannels(cutoff) {
		cl.audio.DiscardIdleBuffers(ch)
		cl.logger.Debug("discarded idle channel buffers", "channel", ch)
	}
}
