package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func intp(i int) *int { return &i }

func TestNewStoreAllChannelsEnabled(t *testing.T) {
	s := NewStore()
	snap := s.Snapshot()
	enabled := 0
	for _, c := range snap.Channels {
		if c.Enabled {
			enabled++
		}
	}
	require.Equal(t, MaxChannels, enabled)
}

func TestCannotDisableLastChannel(t *testing.T) {
	s := NewStore()
	for i := 1; i < MaxChannels; i++ {
		require.NoError(t, s.SetChannelEnabled(i, false))
	}
	err := s.SetChannelEnabled(0, false)
	require.ErrorIs(t, err, ErrLastChannelEnabled)

	snap := s.Snapshot()
	require.True(t, snap.Channels[0].Enabled)
}

func TestSetChannelVolumeClamped(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetChannelVolume(0, 5.0))
	require.Equal(t, 1.0, s.Snapshot().Channels[0].Gain)
	require.NoError(t, s.SetChannelVolume(0, -5.0))
	require.Equal(t, 0.0, s.Snapshot().Channels[0].Gain)
}

func TestSetUserRejectsDuplicateChannel(t *testing.T) {
	s := NewStore()
	p := UserProfile{Name: "alice"}
	p.Slots[0] = Slot{ChannelID: intp(1), Mode: ModeLatch}
	p.Slots[1] = Slot{ChannelID: intp(1), Mode: ModeMomentary}
	err := s.SetUser(p)
	require.ErrorIs(t, err, ErrDuplicateSlotChannel)
}

func TestAssignSlotSwapsOnConflict(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.AssignSlot("bob", 0, intp(2), ModeLatch))
	require.NoError(t, s.AssignSlot("bob", 1, intp(3), ModeLatch))

	// Assigning channel 2 into slot 1 should swap with slot 0, not
	// produce a duplicate.
	require.NoError(t, s.AssignSlot("bob", 1, intp(2), ModeMomentary))

	snap := s.Snapshot()
	p := snap.Users["bob"]
	require.Equal(t, 3, *p.Slots[0].ChannelID)
	require.Equal(t, 2, *p.Slots[1].ChannelID)
}

func TestDeleteUnknownUser(t *testing.T) {
	s := NewStore()
	require.ErrorIs(t, s.DeleteUser("nobody"), ErrUnknownUser)
}

func TestObserverFiresSynchronously(t *testing.T) {
	s := NewStore()
	var got Config
	calls := 0
	s.Observe(ChannelsChanged, func(c Config) {
		calls++
		got = c
	})
	require.NoError(t, s.SetChannelName(0, "Stage"))
	require.Equal(t, 1, calls)
	require.Equal(t, "Stage", got.Channels[0].Name)
}

func TestChannelNameTrimmedTo12Bytes(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.SetChannelName(0, "This Is Way Too Long A Name"))
	name := s.Snapshot().Channels[0].Name
	require.LessOrEqual(t, len(name), 12)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lancomm.yaml")

	s := NewStore()
	require.NoError(t, s.SetChannelName(2, "Stage"))
	require.NoError(t, s.SetChannelVolume(2, 0.75))
	require.NoError(t, s.AssignSlot("alice", 0, intp(2), ModeLatch))
	require.NoError(t, s.Save(path))

	_, err := os.Stat(path)
	require.NoError(t, err)

	loaded := NewStore()
	require.NoError(t, loaded.Load(path))

	want := s.Snapshot()
	got := loaded.Snapshot()
	require.Equal(t, want.Channels, got.Channels)
	require.Equal(t, want.Users["alice"].Channels(), got.Users["alice"].Channels())
}

func TestLoadRejectsZeroEnabledChannels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("channels: {}\nchannel_enabled: {}\n"), 0o644))

	s := NewStore()
	err := s.Load(path)
	require.ErrorIs(t, err, ErrLastChannelEnabled)
}
