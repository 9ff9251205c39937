package server

import (
	"net"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/doismellburning/lancomm/internal/audio"
	"github.com/doismellburning/lancomm/internal/config"
	"github.com/doismellburning/lancomm/internal/session"
)

func newTestMixer(t *testing.T) (*Mixer, *config.Store, *AudioState, *session.Registry, *net.UDPConn) {
	t.Helper()
	cfg := config.NewStore()
	audioState := NewAudioState()
	registry := session.NewRegistry(cfg, audioState)

	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { serverConn.Close() })

	logger := log.New(testWriter{t})
	mixer := NewMixer(cfg, audioState, registry, serverConn, logger)
	return mixer, cfg, audioState, registry, serverConn
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

// bindListener creates and binds a session to a profile containing
// channel, sets its UDP return address to a real local listening socket,
// and returns the session plus that socket for the test to read from.
func bindListener(t *testing.T, cfg *config.Store, registry *session.Registry, channel int) (*session.Session, *net.UDPConn) {
	t.Helper()
	name := t.Name() + "-user"
	id := channel
	require.NoError(t, cfg.AssignSlot(name, 0, &id, config.ModeLatch))

	sock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })

	sess := registry.Create(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000})
	_, _, err = registry.Bind(sess, name)
	require.NoError(t, err)

	port := sock.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, registry.SetUDP(sess, port))

	return sess, sock
}

func readDownstream(t *testing.T, sock *net.UDPConn) (audio.DownstreamFrame, bool) {
	t.Helper()
	sock.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 4096)
	n, _, err := sock.ReadFromUDP(buf)
	if err != nil {
		return audio.DownstreamFrame{}, false
	}
	f, err := audio.DecodeDownstream(buf[:n])
	require.NoError(t, err)
	return f, true
}

func constFrame(v int16) audio.Frame {
	var f audio.Frame
	for i := range f {
		f[i] = v
	}
	return f
}

// TestTwoTalkerMixMinus reproduces spec §8 scenario 1.
func TestTwoTalkerMixMinus(t *testing.T) {
	mixer, cfg, audioState, registry, _ := newTestMixer(t)
	const channel = 2
	require.NoError(t, cfg.SetChannelVolume(channel, 1.0))

	a, aSock := bindListener(t, cfg, registry, channel)
	b, bSock := bindListener(t, cfg, registry, channel)
	c, cSock := bindListener(t, cfg, registry, channel)

	require.NoError(t, registry.SetTalk(a, channel, true))
	require.NoError(t, registry.SetTalk(b, channel, true))

	audioState.PushFrame(channel, a.UserID, constFrame(1000))
	audioState.PushFrame(channel, b.UserID, constFrame(2000))

	mixer.Tick()

	got, ok := readDownstream(t, aSock)
	require.True(t, ok)
	require.Equal(t, int16(2000), got.PCM[0])

	got, ok = readDownstream(t, bSock)
	require.True(t, ok)
	require.Equal(t, int16(1000), got.PCM[0])

	got, ok = readDownstream(t, cSock)
	require.True(t, ok)
	require.Equal(t, int16(1500), got.PCM[0])
}

// TestSingleTalkerSelfHearSuppressed reproduces spec §8 scenario 2.
func TestSingleTalkerSelfHearSuppressed(t *testing.T) {
	mixer, cfg, audioState, registry, _ := newTestMixer(t)
	const channel = 2
	require.NoError(t, cfg.SetChannelVolume(channel, 1.0))

	a, aSock := bindListener(t, cfg, registry, channel)
	require.NoError(t, registry.SetTalk(a, channel, true))
	audioState.PushFrame(channel, a.UserID, constFrame(1000))

	mixer.Tick()

	_, ok := readDownstream(t, aSock)
	require.False(t, ok, "sole talker must not receive their own audio back")
}

// TestUnderrunSubstitutesSilence reproduces spec §8 scenario 3.
func TestUnderrunSubstitutesSilence(t *testing.T) {
	mixer, cfg, audioState, registry, _ := newTestMixer(t)
	const channel = 2
	require.NoError(t, cfg.SetChannelVolume(channel, 1.0))

	a, aSock := bindListener(t, cfg, registry, channel)
	b, bSock := bindListener(t, cfg, registry, channel)
	require.NoError(t, registry.SetTalk(a, channel, true))
	require.NoError(t, registry.SetTalk(b, channel, true))

	// B streams silence for two ticks; A sends nothing (simulating a
	// stall) — both must still emit at cadence.
	audioState.PushFrame(channel, b.UserID, audio.Silence())
	mixer.Tick()
	got, ok := readDownstream(t, aSock)
	require.True(t, ok)
	require.Equal(t, audio.Silence(), got.PCM)

	audioState.PushFrame(channel, b.UserID, audio.Silence())
	mixer.Tick()
	_, ok = readDownstream(t, bSock)
	require.True(t, ok)
}

// TestDisableDuringTalk reproduces spec §8 scenario 4.
func TestDisableDuringTalk(t *testing.T) {
	mixer, cfg, audioState, registry, _ := newTestMixer(t)
	const channel = 3

	a, _ := bindListener(t, cfg, registry, channel)
	listener, listenerSock := bindListener(t, cfg, registry, channel)
	require.NoError(t, registry.SetTalk(a, channel, true))
	audioState.PushFrame(channel, a.UserID, constFrame(500))
	mixer.Tick()
	_, ok := readDownstream(t, listenerSock)
	require.True(t, ok)

	require.NoError(t, cfg.SetChannelEnabled(channel, false))
	audioState.EmptyChannel(channel)

	audioState.PushFrame(channel, a.UserID, constFrame(500))
	mixer.Tick()
	_, ok = readDownstream(t, listenerSock)
	require.False(t, ok, "no downstream once channel is disabled")

	_ = listener
}

func TestListenerWithoutUDPReturnIsSkipped(t *testing.T) {
	mixer, cfg, audioState, registry, _ := newTestMixer(t)
	const channel = 4
	require.NoError(t, cfg.SetChannelVolume(channel, 1.0))

	id := channel
	require.NoError(t, cfg.AssignSlot("noudp", 0, &id, config.ModeLatch))
	noUDP := registry.Create(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	_, _, err := registry.Bind(noUDP, "noudp")
	require.NoError(t, err)

	talker, _ := bindListener(t, cfg, registry, channel)
	require.NoError(t, registry.SetTalk(talker, channel, true))
	audioState.PushFrame(channel, talker.UserID, constFrame(777))

	// Should not panic or block even though noUDP has no return address.
	mixer.Tick()
}
