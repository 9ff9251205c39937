package server

import (
	"net"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/doismellburning/lancomm/internal/audio"
	"github.com/doismellburning/lancomm/internal/config"
	"github.com/doismellburning/lancomm/internal/session"
)

func newTestIngress(t *testing.T) (*Ingress, *config.Store, *AudioState, *session.Registry) {
	t.Helper()
	cfg := config.NewStore()
	audioState := NewAudioState()
	registry := session.NewRegistry(cfg, audioState)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	in := NewIngress(conn, cfg, audioState, registry, log.New(testWriter{t}))
	return in, cfg, audioState, registry
}

func upstreamFrom(channel, user, seq int) []byte {
	return audio.EncodeUpstream(audio.UpstreamFrame{
		ChannelID: uint32(channel),
		UserID:    uint32(user),
		Sequence:  uint32(seq),
		PCM:       constFrame(100),
	})
}

func TestIngressDropsShortFrame(t *testing.T) {
	in, _, audioState, _ := newTestIngress(t)
	in.handle([]byte{1, 2, 3}, &net.UDPAddr{})
	_, ok := audioState.PopFrame(0, 0)
	require.False(t, ok)
}

func TestIngressDropsChannelOutOfRange(t *testing.T) {
	in, _, audioState, _ := newTestIngress(t)
	in.handle(upstreamFrom(config.MaxChannels, 0, 1), &net.UDPAddr{})
	_, ok := audioState.PopFrame(config.MaxChannels, 0)
	require.False(t, ok)
}

func TestIngressDropsDisabledChannel(t *testing.T) {
	in, cfg, audioState, registry := newTestIngress(t)
	const channel = 1
	require.NoError(t, cfg.SetChannelEnabled(channel, false))

	sess := registry.Create(&net.TCPAddr{})
	require.NoError(t, cfg.AssignSlot("u", 0, intp(channel), config.ModeLatch))
	// Channel is disabled so Bind will not subscribe it, and SetTalk would
	// fail anyway; directly exercise the ingress gate.
	in.handle(upstreamFrom(channel, int(sess.UserID), 1), &net.UDPAddr{})
	_, ok := audioState.PopFrame(channel, sess.UserID)
	require.False(t, ok)
}

func TestIngressDropsNonTalker(t *testing.T) {
	in, cfg, audioState, registry := newTestIngress(t)
	const channel = 1
	require.NoError(t, cfg.AssignSlot("u", 0, intp(channel), config.ModeLatch))
	sess := registry.Create(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	_, _, err := registry.Bind(sess, "u")
	require.NoError(t, err)

	// Listener, but never keyed as talker.
	in.handle(upstreamFrom(channel, int(sess.UserID), 1), &net.UDPAddr{})
	_, ok := audioState.PopFrame(channel, sess.UserID)
	require.False(t, ok)
}

func TestIngressAcceptsTalkerAndLearnsUDPSource(t *testing.T) {
	in, cfg, audioState, registry := newTestIngress(t)
	const channel = 1
	require.NoError(t, cfg.AssignSlot("u", 0, intp(channel), config.ModeLatch))
	sess := registry.Create(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	_, _, err := registry.Bind(sess, "u")
	require.NoError(t, err)
	require.NoError(t, registry.SetTalk(sess, channel, true))

	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 4000}
	in.handle(upstreamFrom(channel, int(sess.UserID), 1), from)

	f, ok := audioState.PopFrame(channel, sess.UserID)
	require.True(t, ok)
	require.Equal(t, int16(100), f[0])

	got, ok := registry.Get(sess.UserID)
	require.True(t, ok)
	require.Equal(t, from, got.UDPReturn)
}

func TestIngressTracksSequenceGaps(t *testing.T) {
	in, cfg, audioState, registry := newTestIngress(t)
	const channel = 1
	require.NoError(t, cfg.AssignSlot("u", 0, intp(channel), config.ModeLatch))
	sess := registry.Create(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	_, _, err := registry.Bind(sess, "u")
	require.NoError(t, err)
	require.NoError(t, registry.SetTalk(sess, channel, true))

	in.handle(upstreamFrom(channel, int(sess.UserID), 1), &net.UDPAddr{})
	in.handle(upstreamFrom(channel, int(sess.UserID), 5), &net.UDPAddr{})

	// A gap was skipped (seq 2-4); the next observation reports no further
	// loss since the gap was already accounted for by the second handle.
	lost := audioState.ObserveSequence(channel, sess.UserID, 6)
	require.Equal(t, 0, lost)

	_, ok := audioState.PopFrame(channel, sess.UserID)
	require.True(t, ok)
	_, ok = audioState.PopFrame(channel, sess.UserID)
	require.True(t, ok)
}

func intp(i int) *int { return &i }
