package beltpack

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/jochenvg/go-udev"
)

// HotplugWatcher watches udev for sound-subsystem add/remove events and
// invokes onChange so the caller can tear down and reopen its audio
// devices when a USB sound card or CM108-style dongle is unplugged and
// replugged.
type HotplugWatcher struct {
	u      *udev.Udev
	logger *log.Logger
}

// NewHotplugWatcher constructs a watcher; call Run to start receiving
// events.
func NewHotplugWatcher(logger *log.Logger) *HotplugWatcher {
	return &HotplugWatcher{u: udev.Udev{}.NewUdev(), logger: logger}
}

// Run blocks, invoking onChange(action) for every "sound" subsystem event
// udev reports, until ctx is cancelled.
func (h *HotplugWatcher) Run(ctx context.Context, onChange func(action string)) error {
	mon := h.u.NewMonitorFromNetlink("udev")
	if err := mon.FilterAddMatchSubsystem("sound"); err != nil {
		return fmt.Errorf("beltpack: udev filter: %w", err)
	}

	deviceChan, errChan, err := mon.DeviceChan(ctx)
	if err != nil {
		return fmt.Errorf("beltpack: udev monitor: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errChan:
			if err != nil {
				h.logger.Warn("udev monitor error", "err", err)
			}
		case dev := <-deviceChan:
			if dev == nil {
				continue
			}
			h.logger.Info("sound device event", "action", dev.Action(), "syspath", dev.Syspath())
			onChange(dev.Action())
		}
	}
}
