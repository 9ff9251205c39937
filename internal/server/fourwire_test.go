package server

import (
	"context"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/doismellburning/lancomm/internal/audio"
	"github.com/doismellburning/lancomm/internal/config"
)

// TestFourWireNoSelfEcho reproduces spec §8 scenario 5: a 4-wire bridge must
// hear every other talker on its channel but never its own injected audio.
func TestFourWireNoSelfEcho(t *testing.T) {
	audioState := NewAudioState()
	bridge := NewFourWireBridge(0, config.NewStore(), audioState, log.New(testWriter{t}))

	settings := config.FourWireSettings{
		Enabled:    true,
		ChannelID:  5,
		InputGain:  1.0,
		OutputGain: 1.0,
	}
	input := audio.NewLoopbackDevice(4)
	output := audio.NewLoopbackDevice(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bridge.Start(ctx, settings, input, output))
	defer bridge.Stop()

	// A real talker is present on the same channel.
	const otherTalker = 42
	audioState.SetListener(settings.ChannelID, otherTalker, true)
	audioState.SetTalker(settings.ChannelID, otherTalker, true)
	audioState.PushFrame(settings.ChannelID, otherTalker, constFrame(900))

	input.Feed(constFrame(300))

	readCtx, readCancel := context.WithTimeout(context.Background(), time.Second)
	defer readCancel()
	out, err := output.Captured(readCtx)
	require.NoError(t, err)

	// The bridge's own 300-level input must not appear in what it hears
	// back; only the other talker's 900-level frame should.
	require.Equal(t, int16(900), out[0])
}

func TestFourWireVirtualUserIDNeverCollidesWithRealSessions(t *testing.T) {
	require.Greater(t, VirtualUserID(0), uint32(MaxUserID))
	require.Greater(t, VirtualUserID(1), VirtualUserID(0))
}

func TestFourWireStopIsIdempotent(t *testing.T) {
	audioState := NewAudioState()
	bridge := NewFourWireBridge(1, config.NewStore(), audioState, log.New(testWriter{t}))
	bridge.Stop()
	bridge.Stop()
}

func TestFourWireStartRejectsNilDevices(t *testing.T) {
	audioState := NewAudioState()
	bridge := NewFourWireBridge(0, config.NewStore(), audioState, log.New(testWriter{t}))
	err := bridge.Start(context.Background(), config.FourWireSettings{ChannelID: 0}, nil, nil)
	require.Error(t, err)
}

// TestFourWireOutputScaledByChannelGain reproduces spec §4.7's requirement
// that bridge output be scaled by output gain times the channel's own gain,
// the same as every other listener's mix-minus (mixer.go's sendToListener).
func TestFourWireOutputScaledByChannelGain(t *testing.T) {
	audioState := NewAudioState()
	cfg := config.NewStore()
	require.NoError(t, cfg.SetChannelVolume(5, 0.5))
	bridge := NewFourWireBridge(0, cfg, audioState, log.New(testWriter{t}))

	settings := config.FourWireSettings{
		Enabled:    true,
		ChannelID:  5,
		InputGain:  1.0,
		OutputGain: 1.0,
	}
	input := audio.NewLoopbackDevice(4)
	output := audio.NewLoopbackDevice(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bridge.Start(ctx, settings, input, output))
	defer bridge.Stop()

	const otherTalker = 42
	audioState.SetListener(settings.ChannelID, otherTalker, true)
	audioState.SetTalker(settings.ChannelID, otherTalker, true)
	audioState.PushFrame(settings.ChannelID, otherTalker, constFrame(1000))

	input.Feed(constFrame(0))

	readCtx, readCancel := context.WithTimeout(context.Background(), time.Second)
	defer readCancel()
	out, err := output.Captured(readCtx)
	require.NoError(t, err)

	require.Equal(t, int16(500), out[0])
}
