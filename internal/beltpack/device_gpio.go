package beltpack

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"

	"github.com/doismellburning/lancomm/internal/config"
)

// GPIOButtons binds the four physical talk buttons to GPIO offsets on a
// single gpiochip and forwards their edges to a ButtonController.
type GPIOButtons struct {
	lines [config.MaxUserChannels]*gpiocdev.Line
}

// OpenGPIOButtons requests one input line per slot, pulled up, with both
// edges delivered to controller. No debounce period is requested.
func OpenGPIOButtons(chip string, offsets [config.MaxUserChannels]int, controller *ButtonController) (*GPIOButtons, error) {
	g := &GPIOButtons{}

	for slot, offset := range offsets {
		slot := slot
		handler := func(evt gpiocdev.LineEvent) {
			switch evt.Type {
			case gpiocdev.LineEventRisingEdge:
				controller.Release(slot)
			case gpiocdev.LineEventFallingEdge:
				controller.Press(slot)
			}
		}

		line, err := gpiocdev.RequestLine(chip, offset,
			gpiocdev.AsInput,
			gpiocdev.WithPullUp,
			gpiocdev.WithBothEdges,
			gpiocdev.WithEventHandler(handler),
		)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("beltpack: request gpio line %d: %w", offset, err)
		}
		g.lines[slot] = line
	}

	return g, nil
}

// Close releases every requested line.
func (g *GPIOButtons) Close() error {
	var firstErr error
	for _, l := range g.lines {
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
