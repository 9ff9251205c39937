// Command lancomm-server runs the intercom fabric's server: config store,
// session registry, control protocol endpoint, audio ingress/mixer, and
// 4-wire bridges (spec §5).
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/doismellburning/lancomm/internal/config"
	"github.com/doismellburning/lancomm/internal/discovery"
	"github.com/doismellburning/lancomm/internal/server"
)

func main() {
	var (
		controlAddr = pflag.StringP("control-addr", "c", ":6001", "Control protocol listen address")
		audioAddr   = pflag.StringP("audio-addr", "a", ":6001", "Audio UDP listen address (the server's UDP port must equal its TCP port, spec §9)")
		secret      = pflag.StringP("secret", "s", "", "Shared authentication secret (required)")
		configPath  = pflag.StringP("config", "f", "lancomm.yaml", "Path to the persisted YAML configuration")
		serviceName = pflag.String("name", "", "mDNS service instance name (defaults to hostname-derived)")
		noDiscovery = pflag.Bool("no-discovery", false, "Disable mDNS/DNS-SD advertisement")
		logFilePat  = pflag.String("log-file-pattern", "", "strftime pattern for a log file name, rendered once at startup (in addition to stderr); empty disables file logging")
		verbose     = pflag.BoolP("verbose", "v", false, "Debug-level logging")
		help        = pflag.Bool("help", false, "Display help text")
	)

	pflag.Usage = func() {
		fmt.Fprintln(os.Stderr, "lancomm-server: LAN intercom conferencing server")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help {
		pflag.Usage()
		return
	}
	if *secret == "" {
		fmt.Fprintln(os.Stderr, "lancomm-server: -secret is required")
		os.Exit(1)
	}

	logger := log.New(os.Stderr)
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if *logFilePat != "" {
		name, err := server.LogFileName(*logFilePat, time.Now())
		if err != nil {
			logger.Fatal("bad log file pattern", "pattern", *logFilePat, "err", err)
		}
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			logger.Fatal("open log file failed", "path", name, "err", err)
		}
		defer f.Close()
		logger = log.New(io.MultiWriter(os.Stderr, f))
		if *verbose {
			logger.SetLevel(log.DebugLevel)
		}
	}

	cfg := config.NewStore()
	if err := cfg.Load(*configPath); err != nil {
		logger.Warn("starting with defaults, could not load config", "path", *configPath, "err", err)
	}
	stopPersist := persistOnChange(cfg, *configPath, logger)
	defer stopPersist()

	controlLn, err := net.Listen("tcp", *controlAddr)
	if err != nil {
		logger.Fatal("control listen failed", "addr", *controlAddr, "err", err)
	}
	defer controlLn.Close()

	audioConn, err := net.ListenUDP("udp", mustResolveUDP(*audioAddr, logger))
	if err != nil {
		logger.Fatal("audio listen failed", "addr", *audioAddr, "err", err)
	}
	defer audioConn.Close()

	srv := server.New(cfg, audioConn, *secret, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !*noDiscovery {
		_, controlPortStr, _ := net.SplitHostPort(controlLn.Addr().String())
		var controlPort int
		fmt.Sscanf(controlPortStr, "%d", &controlPort)

		if _, err := discovery.Advertise(ctx, *serviceName, controlPort); err != nil {
			logger.Warn("mDNS advertisement failed to start", "err", err)
		}
	}

	logger.Info("server starting", "control_addr", controlLn.Addr(), "audio_addr", audioConn.LocalAddr())
	if err := srv.Run(ctx, controlLn); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("server shut down cleanly")
}

// persistOnChange saves cfg to path whenever a user or channel mutation
// fires, so an operator's GUI edits survive a restart without a separate
// save step. Observers run under the store's lock, so each save runs on its
// own goroutine (serialized by saveMu) once that lock is released. Returns
// an unregister function for both observers.
func persistOnChange(cfg *config.Store, path string, logger *log.Logger) (stop func()) {
	var saveMu sync.Mutex
	save := func(config.Config) {
		go func() {
			saveMu.Lock()
			defer saveMu.Unlock()
			if err := cfg.Save(path); err != nil {
				logger.Warn("failed to persist config", "path", path, "err", err)
			}
		}()
	}
	unregUsers := cfg.Observe(config.UsersChanged, save)
	unregChannels := cfg.Observe(config.ChannelsChanged, save)
	return func() {
		unregUsers()
		unregChannels()
	}
}

func mustResolveUDP(addr string, logger *log.Logger) *net.UDPAddr {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		logger.Fatal("bad audio address", "addr", addr, "err", err)
	}
	return a
}
