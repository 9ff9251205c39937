package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileUser mirrors the persisted shape of a user profile from spec §6:
// a fixed-length channel slot list (null for empty) plus a button-mode map
// keyed by slot index.
type fileUser struct {
	Channels     [MaxUserChannels]*int `yaml:"channels"`
	ButtonModes  map[string]string     `yaml:"button_modes"`
}

// fileConfig mirrors the on-disk document shape from spec §6, rendered as
// YAML rather than raw JSON (see SPEC_FULL.md "External Interfaces").
type fileConfig struct {
	Users               map[string]fileUser `yaml:"users"`
	Channels            map[string]string   `yaml:"channels"`
	ChannelVolumes      map[string]float64  `yaml:"channel_volumes"`
	ChannelEnabled      map[string]bool     `yaml:"channel_enabled"`
	ActiveChannelCount  int                 `yaml:"active_channel_count"`
	ProgramAudioDevice  *int                `yaml:"program_audio_device"`
	ProgramAudioChannel int                 `yaml:"program_audio_channel"`
	DeviceNames         map[string]string   `yaml:"device_names"`
	FourwireEnabled     [2]bool             `yaml:"fourwire_enabled"`
	FourwireInputDevice [2]*int             `yaml:"fourwire_input_device"`
	FourwireOutputDevice [2]*int            `yaml:"fourwire_output_device"`
	FourwireChannel     [2]int              `yaml:"fourwire_channel"`
	FourwireInputGain   [2]float64          `yaml:"fourwire_input_gain"`
	FourwireOutputGain  [2]float64          `yaml:"fourwire_output_gain"`
}

// Save serializes the current configuration to path as YAML.
func (s *Store) Save(path string) error {
	snapshot := s.Snapshot()

	fc := fileConfig{
		Users:          make(map[string]fileUser, len(snapshot.Users)),
		Channels:       make(map[string]string, MaxChannels),
		ChannelVolumes: make(map[string]float64, MaxChannels),
		ChannelEnabled: make(map[string]bool, MaxChannels),
		DeviceNames:    snapshot.DeviceNames,
		ProgramAudioDevice:  snapshot.ProgramAudioDevice,
		ProgramAudioChannel: snapshot.ProgramAudioChannel,
	}

	activeCount := 0
	for _, c := range snapshot.Channels {
		key := fmt.Sprintf("%d", c.ID)
		fc.Channels[key] = c.Name
		fc.ChannelVolumes[key] = c.Gain
		fc.ChannelEnabled[key] = c.Enabled
		if c.Enabled {
			activeCount++
		}
	}
	fc.ActiveChannelCount = activeCount

	for name, p := range snapshot.Users {
		fu := fileUser{ButtonModes: make(map[string]string, MaxUserChannels)}
		for i, slot := range p.Slots {
			fu.Channels[i] = slot.ChannelID
			fu.ButtonModes[fmt.Sprintf("%d", i)] = wireButtonMode(slot.Mode)
		}
		fc.Users[name] = fu
	}

	for i := 0; i < 2; i++ {
		fw := snapshot.FourWire[i]
		fc.FourwireEnabled[i] = fw.Enabled
		fc.FourwireInputDevice[i] = fw.InputDevice
		fc.FourwireOutputDevice[i] = fw.OutputDevice
		fc.FourwireChannel[i] = fw.ChannelID
		fc.FourwireInputGain[i] = fw.InputGain
		fc.FourwireOutputGain[i] = fw.OutputGain
	}

	out, err := yaml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Load replaces the store's contents with the configuration read from
// path. Validation failures (out-of-range channel ids, duplicate slot
// channels, zero enabled channels) leave the store unchanged.
func (s *Store) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	next := Config{
		DeviceNames:         fc.DeviceNames,
		ProgramAudioDevice:  fc.ProgramAudioDevice,
		ProgramAudioChannel: fc.ProgramAudioChannel,
		Users:               make(map[string]UserProfile, len(fc.Users)),
	}
	if next.DeviceNames == nil {
		next.DeviceNames = make(map[string]string)
	}

	enabledCount := 0
	for i := 0; i < MaxChannels; i++ {
		key := fmt.Sprintf("%d", i)
		c := Channel{ID: i, Name: fc.Channels[key], Gain: fc.ChannelVolumes[key], Enabled: fc.ChannelEnabled[key]}
		next.Channels[i] = c
		if c.Enabled {
			enabledCount++
		}
	}
	if enabledCount == 0 {
		return ErrLastChannelEnabled
	}

	for name, fu := range fc.Users {
		var p UserProfile
		p.Name = name
		seen := make(map[int]bool, MaxUserChannels)
		for i := 0; i < MaxUserChannels; i++ {
			if fu.Channels[i] != nil {
				id := *fu.Channels[i]
				if id < 0 || id >= MaxChannels {
					return fmt.Errorf("config: user %q slot %d: %w", name, i, ErrChannelRange)
				}
				if seen[id] {
					return fmt.Errorf("config: user %q: %w", name, ErrDuplicateSlotChannel)
				}
				seen[id] = true
			}
			p.Slots[i] = Slot{ChannelID: fu.Channels[i], Mode: parseButtonMode(fu.ButtonModes[fmt.Sprintf("%d", i)])}
		}
		next.Users[name] = p
	}

	for i := 0; i < 2; i++ {
		next.FourWire[i] = FourWireSettings{
			Enabled:      fc.FourwireEnabled[i],
			ChannelID:    fc.FourwireChannel[i],
			InputDevice:  fc.FourwireInputDevice[i],
			OutputDevice: fc.FourwireOutputDevice[i],
			InputGain:    fc.FourwireInputGain[i],
			OutputGain:   fc.FourwireOutputGain[i],
		}
	}

	s.mu.Lock()
	s.cfg = next
	s.fireLocked(UsersChanged)
	s.fireLocked(ChannelsChanged)
	s.mu.Unlock()
	return nil
}

func wireButtonMode(m ButtonMode) string {
	if m == ModeMomentary {
		return "non-latch"
	}
	return "latch"
}

func parseButtonMode(s string) ButtonMode {
	if s == "latch" {
		return ModeLatch
	}
	return ModeMomentary
}
