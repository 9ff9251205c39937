package beltpack

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/doismellburning/lancomm/internal/audio"
	"github.com/doismellburning/lancomm/internal/config"
)

func udpPair(t *testing.T) (sender *net.UDPConn, recvAddr *net.UDPAddr, recv *net.UDPConn) {
	t.Helper()
	recv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { recv.Close() })

	sender, err = net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { sender.Close() })

	return sender, recv.LocalAddr().(*net.UDPAddr), recv
}

func TestCaptureSendsOnlyForKeyedSlots(t *testing.T) {
	sender, dst, recv := udpPair(t)

	var slots [config.MaxUserChannels]*SlotState
	slots[0] = &SlotState{ChannelID: 3, Mode: config.ModeLatch}
	slots[1] = &SlotState{ChannelID: 4, Mode: config.ModeLatch}
	c := clientWithSlots(slots)
	bc := NewButtonController(c, testLogger())
	bc.Press(0) // only slot 0 keyed

	capt := NewCapture(nil, sender, dst, c, testLogger())
	capt.sendForKeyedSlots(constFrame(42), bc)

	recv.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 2048)
	n, err := recv.Read(buf)
	require.NoError(t, err)
	f, err := audio.DecodeUpstream(buf[:n])
	require.NoError(t, err)
	require.Equal(t, uint32(3), f.ChannelID)
	require.Equal(t, int16(42), f.PCM[0])

	// No second datagram should have arrived for the unkeyed slot.
	recv.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err = recv.Read(buf)
	require.Error(t, err)
}

func TestCaptureIncrementsSequencePerChannel(t *testing.T) {
	sender, dst, recv := udpPair(t)

	var slots [config.MaxUserChannels]*SlotState
	slots[0] = &SlotState{ChannelID: 3, Mode: config.ModeLatch}
	c := clientWithSlots(slots)
	bc := NewButtonController(c, testLogger())
	bc.Press(0)

	capt := NewCapture(nil, sender, dst, c, testLogger())
	capt.sendForKeyedSlots(constFrame(1), bc)
	capt.sendForKeyedSlots(constFrame(2), bc)

	buf := make([]byte, 2048)
	recv.SetReadDeadline(time.Now().Add(time.Second))
	n, _ := recv.Read(buf)
	f1, err := audio.DecodeUpstream(buf[:n])
	require.NoError(t, err)
	n, _ = recv.Read(buf)
	f2, err := audio.DecodeUpstream(buf[:n])
	require.NoError(t, err)

	require.Equal(t, uint32(0), f1.Sequence)
	require.Equal(t, uint32(1), f2.Sequence)
}

func TestLastMicReflectsMostRecentFrame(t *testing.T) {
	c := clientWithSlots([config.MaxUserChannels]*SlotState{})
	capt := NewCapture(nil, nil, nil, c, testLogger())

	capt.mu.Lock()
	capt.lastMic = constFrame(7)
	capt.mu.Unlock()

	require.Equal(t, constFrame(7), capt.LastMic())
}
