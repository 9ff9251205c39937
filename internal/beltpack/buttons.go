package beltpack

import (
	"sync"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/lancomm/internal/config"
)

// LEDColor is one of the three button LED states spec §4.8 defines.
type LEDColor int

const (
	LEDOff LEDColor = iota
	LEDYellow
	LEDRed
)

// Brightness is the global LED brightness scalar, one of the four
// supported percentages (spec §4.8).
type Brightness int

const (
	Brightness25  Brightness = 25
	Brightness50  Brightness = 50
	Brightness75  Brightness = 75
	Brightness100 Brightness = 100
)

// Scale returns the brightness as a [0,1] multiplier for RGB output.
func (b Brightness) Scale() float64 { return float64(b) / 100.0 }

// ButtonController drives the four physical buttons' talk semantics and
// derives their LED state. It owns no hardware I/O itself — PressEvent and
// ReleaseEvent are fed by whatever reads the physical GPIO lines, and
// LEDState is read by whatever drives the physical LEDs — so it is fully
// unit-testable without hardware.
type ButtonController struct {
	client     *Client
	logger     *log.Logger
	brightness Brightness

	mu      sync.Mutex
	talking [config.MaxUserChannels]bool
}

// NewButtonController constructs a controller at full brightness.
func NewButtonController(client *Client, logger *log.Logger) *ButtonController {
	return &ButtonController{client: client, logger: logger, brightness: Brightness100}
}

// SetBrightness updates the global brightness scalar.
func (b *ButtonController) SetBrightness(v Brightness) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.brightness = v
}

// Press handles a physical button-down edge on slot. For a latch slot this
// toggles the talk state; for a momentary slot it enters talk. Toggling an
// empty slot is a no-op.
func (b *ButtonController) Press(slot int) {
	slots := b.client.Slots()
	if slot < 0 || slot >= len(slots) || slots[slot] == nil {
		return
	}

	b.mu.Lock()
	var wantOn bool
	switch slots[slot].Mode {
	case config.ModeLatch:
		wantOn = !b.talking[slot]
	case config.ModeMomentary:
		wantOn = true
	}
	b.talking[slot] = wantOn
	b.mu.Unlock()

	if err := b.client.ToggleTalk(slot, wantOn); err != nil {
		b.logger.Debug("toggle talk failed", "slot", slot, "err", err)
	}
}

// Release handles a physical button-up edge on slot. Only a momentary
// slot's release exits talk; a latch slot ignores release entirely.
func (b *ButtonController) Release(slot int) {
	slots := b.client.Slots()
	if slot < 0 || slot >= len(slots) || slots[slot] == nil {
		return
	}
	if slots[slot].Mode != config.ModeMomentary {
		return
	}

	b.mu.Lock()
	b.talking[slot] = false
	b.mu.Unlock()

	if err := b.client.ToggleTalk(slot, false); err != nil {
		b.logger.Debug("toggle talk failed", "slot", slot, "err", err)
	}
}

// Talking reports whether slot is currently keyed, per this controller's
// own tracking (independent of any server round trip).
func (b *ButtonController) Talking(slot int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slot < 0 || slot >= len(b.talking) {
		return false
	}
	return b.talking[slot]
}

// LEDState returns slot's color and the current global brightness scalar.
func (b *ButtonController) LEDState(slot int) (LEDColor, Brightness) {
	slots := b.client.Slots()
	b.mu.Lock()
	defer b.mu.Unlock()

	brightness := b.brightness
	if slot < 0 || slot >= len(slots) || slots[slot] == nil {
		return LEDOff, brightness
	}
	if b.talking[slot] {
		return LEDRed, brightness
	}
	return LEDYellow, brightness
}
