// Command lancomm-beltpack runs the client side of the intercom fabric: it
// connects (or auto-discovers) a server, authenticates, binds a profile,
// and drives capture/playback and the four talk buttons (spec §4.8, C8).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/doismellburning/lancomm/internal/beltpack"
	"github.com/doismellburning/lancomm/internal/discovery"
)

func main() {
	var (
		addr        = pflag.StringP("addr", "a", "", "Server control address (host:port); auto-discovered via mDNS if empty")
		secret      = pflag.StringP("secret", "s", "", "Shared authentication secret (required)")
		profile     = pflag.StringP("profile", "u", "", "User profile name to bind (required)")
		udpPort     = pflag.IntP("udp-port", "p", 0, "Local UDP port to listen on for downstream audio (0 = any free port)")
		gpioChip    = pflag.String("gpio-chip", "", "gpiochip device for the four talk buttons (disables button hardware if empty)")
		verbose     = pflag.BoolP("verbose", "v", false, "Debug-level logging")
		help        = pflag.Bool("help", false, "Display help text")
	)

	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "lancomm-beltpack: intercom beltpack client")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		return
	}
	if *secret == "" || *profile == "" {
		fmt.Fprintln(os.Stderr, "lancomm-beltpack: -secret and -profile are required")
		os.Exit(1)
	}

	logger := log.New(os.Stderr)
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serverAddr := *addr
	if serverAddr == "" {
		ep, err := discovery.Discover(ctx, discovery.DefaultBrowseTimeout)
		if err != nil {
			logger.Fatal("no server address given and discovery failed", "err", err)
		}
		serverAddr = discovery.FormatEndpoint(ep)
		logger.Info("discovered server", "addr", serverAddr)
	}

	if err := beltpack.InitPortAudio(); err != nil {
		logger.Fatal("portaudio init failed", "err", err)
	}
	defer beltpack.TerminatePortAudio()

	capDevice, err := beltpack.OpenPortAudioCapture()
	if err != nil {
		logger.Fatal("open capture device failed", "err", err)
	}
	defer capDevice.Close()

	playDevice, err := beltpack.OpenPortAudioPlayback()
	if err != nil {
		logger.Fatal("open playback device failed", "err", err)
	}
	defer playDevice.Close()

	audioConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: *udpPort})
	if err != nil {
		logger.Fatal("audio udp listen failed", "err", err)
	}
	defer audioConn.Close()
	localPort := audioConn.LocalAddr().(*net.UDPAddr).Port

	client := beltpack.NewClient(*secret, *profile, logger)
	buttons := beltpack.NewButtonController(client, logger)

	if *gpioChip != "" {
		var offsets [4]int
		for i := range offsets {
			offsets[i] = i
		}
		gpio, err := beltpack.OpenGPIOButtons(*gpioChip, offsets, buttons)
		if err != nil {
			logger.Warn("gpio button init failed, buttons disabled", "err", err)
		} else {
			defer gpio.Close()
		}
	}

	serverUDPAddr, err := net.ResolveUDPAddr("udp", serverAudioAddr(serverAddr))
	if err != nil {
		logger.Fatal("bad server audio address", "err", err)
	}

	capture := beltpack.NewCapture(capDevice, audioConn, serverUDPAddr, client, logger)
	playback := beltpack.NewPlayback(playDevice, client, capture, buttons, logger)

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := capture.Run(ctx, buttons); err != nil && ctx.Err() == nil {
				logger.Warn("capture loop exited, retrying", "err", err)
				time.Sleep(time.Second)
			}
		}
	}()
	go func() {
		if err := playback.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("playback loop exited", "err", err)
		}
	}()
	go func() {
		if err := playback.ReceiveLoop(ctx, audioConn); err != nil && ctx.Err() == nil {
			logger.Warn("audio receive loop exited", "err", err)
		}
	}()

	logger.Info("beltpack starting", "profile", *profile, "server", serverAddr)
	client.Run(ctx, serverAddr, localPort)
	logger.Info("beltpack shut down cleanly")
}

// serverAudioAddr derives the audio UDP address from the negotiated control
// address. spec §9 fixes both at the same port (6001) and assumes the
// server's UDP port always equals its TCP port, so the audio port is
// whatever port the control connection actually used rather than a
// hardcoded literal.
func serverAudioAddr(controlAddr string) string {
	host, port, _ := net.SplitHostPort(controlAddr)
	return net.JoinHostPort(host, port)
}
