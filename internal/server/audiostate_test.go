package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/doismellburning/lancomm/internal/audio"
)

func TestAudioStateMembershipRoundTrip(t *testing.T) {
	a := NewAudioState()
	a.SetListener(1, 10, true)
	a.SetTalker(1, 10, true)

	require.True(t, a.IsTalker(1, 10))
	require.ElementsMatch(t, []uint32{10}, a.Talkers(1))
	require.ElementsMatch(t, []uint32{10}, a.Listeners(1))

	a.SetTalker(1, 10, false)
	require.False(t, a.IsTalker(1, 10))
	require.Empty(t, a.Talkers(1))
}

func TestAudioStateClearUserWipesEveryChannel(t *testing.T) {
	a := NewAudioState()
	a.SetListener(1, 10, true)
	a.SetListener(2, 10, true)
	a.SetTalker(1, 10, true)
	a.PushFrame(1, 10, audio.Silence())

	a.ClearUser(10)
	require.Empty(t, a.Listeners(1))
	require.Empty(t, a.Listeners(2))
	require.False(t, a.IsTalker(1, 10))
	_, ok := a.PopFrame(1, 10)
	require.False(t, ok)
}

func TestAudioStatePushPopFIFO(t *testing.T) {
	a := NewAudioState()
	first := constFrame(1)
	second := constFrame(2)
	a.PushFrame(0, 1, first)
	a.PushFrame(0, 1, second)

	got, ok := a.PopFrame(0, 1)
	require.True(t, ok)
	require.Equal(t, first, got)

	got, ok = a.PopFrame(0, 1)
	require.True(t, ok)
	require.Equal(t, second, got)
}

func TestAudioStatePopFrameUnderrunWithoutBuffer(t *testing.T) {
	a := NewAudioState()
	_, ok := a.PopFrame(5, 99)
	require.False(t, ok)
}

func TestAudioStatePeekDoesNotConsume(t *testing.T) {
	a := NewAudioState()
	a.PushFrame(0, 1, constFrame(42))

	f, ok := a.PeekFrame(0, 1)
	require.True(t, ok)
	require.Equal(t, int16(42), f[0])

	// Peek must not have dequeued the frame.
	got, ok := a.PopFrame(0, 1)
	require.True(t, ok)
	require.Equal(t, int16(42), got[0])
}

func TestAudioStateSetTalkerTouchesLastActivity(t *testing.T) {
	a := NewAudioState()
	a.SetTalker(3, 1, true)
	idle := a.IdleChannels(time.Now().Add(time.Hour))
	require.Contains(t, idle, 3)

	idle = a.IdleChannels(time.Now().Add(-time.Hour))
	require.NotContains(t, idle, 3)
}

func TestAudioStateLevelClampsOutOfRangeChannel(t *testing.T) {
	a := NewAudioState()
	a.SetLevel(-1, 0.5)
	a.SetLevel(1000, 0.5)
	require.Equal(t, float64(0), a.Level(-1))
	require.Equal(t, float64(0), a.Level(1000))
}

func TestAudioStateEmptyChannelClearsState(t *testing.T) {
	a := NewAudioState()
	a.SetListener(2, 5, true)
	a.SetTalker(2, 5, true)
	a.PushFrame(2, 5, audio.Silence())

	a.EmptyChannel(2)
	require.Empty(t, a.Listeners(2))
	require.Empty(t, a.Talkers(2))
	_, ok := a.PopFrame(2, 5)
	require.False(t, ok)
}

func TestAudioStateDiscardIdleBuffersPreservesMembership(t *testing.T) {
	a := NewAudioState()
	a.SetListener(2, 5, true)
	a.PushFrame(2, 5, audio.Silence())

	a.DiscardIdleBuffers(2)
	require.ElementsMatch(t, []uint32{5}, a.Listeners(2))
	_, ok := a.PopFrame(2, 5)
	require.False(t, ok)
}
