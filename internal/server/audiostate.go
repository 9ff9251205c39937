// Package server implements the server-side core of the fabric: the Audio
// store (talkers/listeners/jitter buffers/sequence trackers/levels), the
// Ingress Demux (C5), the Mixer Tick (C6), the Control Protocol Endpoint's
// server side (C4), idle cleanup, and wiring for the Four-Wire Bridge (C7).
package server

import (
	"sync"
	"time"

	"github.com/doismellburning/lancomm/internal/audio"
	"github.com/doismellburning/lancomm/internal/config"
)

// AudioState is the shared audio-plane state described in spec §5: talker
// and listener membership, per-(channel,sender) jitter buffers, sequence
// trackers, per-channel RMS levels, and last-activity timestamps — all
// behind one lock, held only across constant-time operations. It satisfies
// session.AudioMembership.
type AudioState struct {
	mu sync.Mutex

	talkers      map[int]map[uint32]bool
	listeners    map[int]map[uint32]bool
	buffers      map[int]map[uint32]*audio.JitterBuffer
	sequences    map[int]map[uint32]*audio.SequenceTracker
	levels       [config.MaxChannels]float64
	lastActivity map[int]time.Time
}

// NewAudioState builds an empty Audio store.
func NewAudioState() *AudioState {
	return &AudioState{
		talkers:      make(map[int]map[uint32]bool),
		listeners:    make(map[int]map[uint32]bool),
		buffers:      make(map[int]map[uint32]*audio.JitterBuffer),
		sequences:    make(map[int]map[uint32]*audio.SequenceTracker),
		lastActivity: make(map[int]time.Time),
	}
}

// SetListener adds or removes userID from channel's listener set.
func (a *AudioState) SetListener(channel int, userID uint32, present bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setMember(a.listeners, channel, userID, present)
}

// SetTalker adds or removes userID from channel's talker set. Per spec §3's
// invariant (talkers ⊆ listeners), callers are expected to have already
// established listener membership before keying a talker; SetTalker does
// not enforce this itself. The Session Registry guarantees it via
// Bind/SetTalk; FourWireBridge.Start keys its virtual id as talker just
// before adding it as listener.
func (a *AudioState) SetTalker(channel int, userID uint32, present bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setMember(a.talkers, channel, userID, present)
	if present {
		a.lastActivity[channel] = time.Now()
	}
}

func (a *AudioState) setMember(set map[int]map[uint32]bool, channel int, userID uint32, present bool) {
	if present {
		m, ok := set[channel]
		if !ok {
			m = make(map[uint32]bool)
			set[channel] = m
		}
		m[userID] = true
		return
	}
	if m, ok := set[channel]; ok {
		delete(m, userID)
	}
}

// ClearUser removes userID from every channel's talker and listener sets
// and discards its jitter buffers and sequence trackers fleet-wide, for
// session teardown (spec §3 Session lifecycle).
func (a *AudioState) ClearUser(userID uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.talkers {
		delete(m, userID)
	}
	for _, m := range a.listeners {
		delete(m, userID)
	}
	for _, m := range a.buffers {
		delete(m, userID)
	}
	for _, m := range a.sequences {
		delete(m, userID)
	}
}

// IsTalker reports whether userID is a current talker on channel.
func (a *AudioState) IsTalker(channel int, userID uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.talkers[channel][userID]
}

// Talkers returns a snapshot of channel's talker set.
func (a *AudioState) Talkers(channel int) []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return keys(a.talkers[channel])
}

// Listeners returns a snapshot of channel's listener set.
func (a *AudioState) Listeners(channel int) []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return keys(a.listeners[channel])
}

func keys(m map[uint32]bool) []uint32 {
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// PushFrame appends a frame to (channel, userID)'s jitter buffer, creating
// it on first use.
func (a *AudioState) PushFrame(channel int, userID uint32, f audio.Frame) {
	a.mu.Lock()
	buf := a.bufferLocked(channel, userID)
	a.mu.Unlock()
	buf.Push(f)
}

// PopFrame dequeues the oldest frame for (channel, userID). Absent a
// buffer (no frames ever arrived), it reports an underrun.
func (a *AudioState) PopFrame(channel int, userID uint32) (audio.Frame, bool) {
	a.mu.Lock()
	m, ok := a.buffers[channel]
	var buf *audio.JitterBuffer
	if ok {
		buf = m[userID]
	}
	a.mu.Unlock()
	if buf == nil {
		return audio.Silence(), false
	}
	return buf.Pop()
}

// PeekFrame returns the head frame for (channel, userID) without removing
// it, for the 4-wire bridge's non-destructive tap (spec §4.7).
func (a *AudioState) PeekFrame(channel int, userID uint32) (audio.Frame, bool) {
	a.mu.Lock()
	m, ok := a.buffers[channel]
	var buf *audio.JitterBuffer
	if ok {
		buf = m[userID]
	}
	a.mu.Unlock()
	if buf == nil {
		return audio.Silence(), false
	}
	return buf.Peek()
}

func (a *AudioState) bufferLocked(channel int, userID uint32) *audio.JitterBuffer {
	m, ok := a.buffers[channel]
	if !ok {
		m = make(map[uint32]*audio.JitterBuffer)
		a.buffers[channel] = m
	}
	buf, ok := m[userID]
	if !ok {
		buf = audio.NewJitterBuffer(audio.DropOldest)
		m[userID] = buf
	}
	return buf
}

// DrainChannelBuffers pops (and discards) one frame from every sender's
// buffer on channel, keeping queues from growing unboundedly when the
// channel has no talkers or listeners for a tick (spec §4.6 step 1).
func (a *AudioState) DrainChannelBuffers(channel int) {
	a.mu.Lock()
	m := a.buffers[channel]
	bufs := make([]*audio.JitterBuffer, 0, len(m))
	for _, b := range m {
		bufs = append(bufs, b)
	}
	a.mu.Unlock()
	for _, b := range bufs {
		b.Pop()
	}
}

// ObserveSequence records seq for (channel, userID) and returns the number
// of frames apparently lost since the previous observation.
func (a *AudioState) ObserveSequence(channel int, userID uint32, seq uint32) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.sequences[channel]
	if !ok {
		m = make(map[uint32]*audio.SequenceTracker)
		a.sequences[channel] = m
	}
	tr, ok := m[userID]
	if !ok {
		tr = &audio.SequenceTracker{}
		m[userID] = tr
	}
	return tr.Observe(seq)
}

// SetLevel records channel's current RMS, for Metering (C10).
func (a *AudioState) SetLevel(channel int, rms float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if channel >= 0 && channel < config.MaxChannels {
		a.levels[channel] = rms
	}
}

// Level reads channel's most recent RMS.
func (a *AudioState) Level(channel int) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if channel < 0 || channel >= config.MaxChannels {
		return 0
	}
	return a.levels[channel]
}

// EmptyChannel clears all talker, listener, and buffer state for channel,
// used when the operator disables it (spec §8 "Disable during talk").
func (a *AudioState) EmptyChannel(channel int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.talkers, channel)
	delete(a.listeners, channel)
	delete(a.buffers, channel)
	delete(a.sequences, channel)
}

// IdleChannels returns channel ids with no talker activity since before
// cutoff, for the idle-cleanup sweep (spec §4.6).
func (a *AudioState) IdleChannels(cutoff time.Time) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var idle []int
	for ch, last := range a.lastActivity {
		if last.Before(cutoff) {
			idle = append(idle, ch)
		}
	}
	return idle
}

// DiscardIdleBuffers drops the jitter-buffer map entries and sequence
// trackers for channel without touching its membership sets (spec §4.6's
// idle-cleanup step, which is explicit that membership is left alone).
func (a *AudioState) DiscardIdleBuffers(channel int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, channel)
	delete(a.sequences, channel)
	delete(a.lastActivity, channel)
}
