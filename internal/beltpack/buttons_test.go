package beltpack

import (
	"io"
	"net"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/doismellburning/lancomm/internal/config"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

// clientWithSlots builds a Client with a slot table injected directly,
// bypassing the network bind sequence, for unit-testing button logic in
// isolation.
func clientWithSlots(slots [config.MaxUserChannels]*SlotState) *Client {
	c := NewClient("secret", "alice", testLogger())
	c.slots = slots
	c.conn = &discardConn{}
	return c
}

// discardConn is a no-op net.Conn so ToggleTalk has somewhere to write.
type discardConn struct{ net.Conn }

func (discardConn) Write(p []byte) (int, error) { return len(p), nil }
func (discardConn) Close() error                { return nil }

func TestPressLatchTogglesOnEachPress(t *testing.T) {
	var slots [config.MaxUserChannels]*SlotState
	slots[0] = &SlotState{ChannelID: 2, Mode: config.ModeLatch}
	c := clientWithSlots(slots)
	bc := NewButtonController(c, testLogger())

	require.False(t, bc.Talking(0))
	bc.Press(0)
	require.True(t, bc.Talking(0))
	bc.Press(0)
	require.False(t, bc.Talking(0))
}

func TestPressMomentaryEntersOnPressExitsOnRelease(t *testing.T) {
	var slots [config.MaxUserChannels]*SlotState
	slots[1] = &SlotState{ChannelID: 5, Mode: config.ModeMomentary}
	c := clientWithSlots(slots)
	bc := NewButtonController(c, testLogger())

	bc.Press(1)
	require.True(t, bc.Talking(1))
	bc.Release(1)
	require.False(t, bc.Talking(1))
}

func TestReleaseIgnoredForLatchSlot(t *testing.T) {
	var slots [config.MaxUserChannels]*SlotState
	slots[0] = &SlotState{ChannelID: 2, Mode: config.ModeLatch}
	c := clientWithSlots(slots)
	bc := NewButtonController(c, testLogger())

	bc.Press(0)
	require.True(t, bc.Talking(0))
	bc.Release(0)
	require.True(t, bc.Talking(0), "release must not affect a latch slot")
}

func TestPressOnEmptySlotIsNoop(t *testing.T) {
	var slots [config.MaxUserChannels]*SlotState
	c := clientWithSlots(slots)
	bc := NewButtonController(c, testLogger())

	bc.Press(2)
	require.False(t, bc.Talking(2))
}

func TestLEDStateReflectsAssignmentAndTalk(t *testing.T) {
	var slots [config.MaxUserChannels]*SlotState
	slots[0] = &SlotState{ChannelID: 2, Mode: config.ModeLatch}
	c := clientWithSlots(slots)
	bc := NewButtonController(c, testLogger())

	color, brightness := bc.LEDState(0)
	require.Equal(t, LEDYellow, color)
	require.Equal(t, Brightness100, brightness)

	color, _ = bc.LEDState(1) // unassigned slot
	require.Equal(t, LEDOff, color)

	bc.Press(0)
	color, _ = bc.LEDState(0)
	require.Equal(t, LEDRed, color)
}

func TestSetBrightnessAffectsLEDState(t *testing.T) {
	var slots [config.MaxUserChannels]*SlotState
	slots[0] = &SlotState{ChannelID: 2, Mode: config.ModeLatch}
	c := clientWithSlots(slots)
	bc := NewButtonController(c, testLogger())

	bc.SetBrightness(Brightness25)
	_, brightness := bc.LEDState(0)
	require.Equal(t, Brightness25, brightness)
	require.InDelta(t, 0.25, brightness.Scale(), 0.0001)
}
