package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/lancomm/internal/audio"
	"github.com/doismellburning/lancomm/internal/config"
	"github.com/doismellburning/lancomm/internal/session"
)

// Server wires together every server-side component (spec §5): the Config
// Store, Session Registry, Audio store, control-protocol listener,
// ingress/mixer UDP sockets, the background reaper, and the two 4-wire
// bridges. It owns their lifetimes.
type Server struct {
	Config   *config.Store
	Audio    *AudioState
	Registry *session.Registry
	Control  *ControlServer
	Ingress  *Ingress
	Mixer    *Mixer
	Cleanup  *Cleanup
	Bridges  [2]*FourWireBridge

	logger *log.Logger
}

// New constructs a Server that uses audioConn for both ingress and egress
// UDP traffic; the control listener is passed to Run.
func New(cfg *config.Store, audioConn *net.UDPConn, secret string, logger *log.Logger) *Server {
	audioState := NewAudioState()
	registry := session.NewRegistry(cfg, audioState)
	control := NewControlServer(cfg, registry, audioState, secret, logger)
	ingress := NewIngress(audioConn, cfg, audioState, registry, logger)
	mixer := NewMixer(cfg, audioState, registry, audioConn, logger)
	cleanup := NewCleanup(registry, audioState, control.Conns(), logger)

	s := &Server{
		Config:   cfg,
		Audio:    audioState,
		Registry: registry,
		Control:  control,
		Ingress:  ingress,
		Mixer:    mixer,
		Cleanup:  cleanup,
		logger:   logger,
	}
	for i := range s.Bridges {
		s.Bridges[i] = NewFourWireBridge(i, cfg, audioState, logger)
	}
	return s
}

// Run starts the control listener, ingress loop, mixer tick, and reaper,
// and blocks until ctx is cancelled or one of them fails. Every other
// component is stopped before Run returns (spec §5: shared audio plane
// components all shut down together).
func (s *Server) Run(ctx context.Context, controlLn net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.Control.Serve(ctx, controlLn); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("server: control listener: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.Ingress.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("server: ingress: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Mixer.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Cleanup.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	for _, b := range s.Bridges {
		b.Stop()
	}
	wg.Wait()
	return runErr
}

// StartBridge starts bridge i against settings using the input and output
// devices the caller has already opened, and enables it against the shared
// audio plane. Server stays free of any concrete device backend.
func (s *Server) StartBridge(ctx context.Context, i int, settings config.FourWireSettings, input audio.CaptureDevice, output audio.PlaybackDevice) error {
	if i < 0 || i >= len(s.Bridges) {
		return fmt.Errorf("server: bridge index %d out of range", i)
	}
	return s.Bridges[i].Start(ctx, settings, input, output)
}

// StopBridge stops bridge i, if running.
func (s *Server) StopBridge(i int) {
	if i < 0 || i >= len(s.Bridges) {
		return
	}
	s.Bridges[i].Stop()
}
