// ABOUTME: Entry point for the Jonect player
// ABOUTME: Loads config, wires the coordinator to audio output, the TUI and the remote bridge
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonect/jonect-go/internal/app"
	"github.com/jonect/jonect-go/internal/config"
	"github.com/jonect/jonect-go/internal/discovery"
	"github.com/jonect/jonect-go/internal/logging"
	"github.com/jonect/jonect-go/internal/output"
	"github.com/jonect/jonect-go/internal/remote"
	"github.com/jonect/jonect-go/internal/ui"
	"github.com/jonect/jonect-go/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	configPath  string
	serverAddr  string
	controlPort int
	deviceID    string
	logLevel    string
	logFile     string
	noTUI       bool
	noDiscovery bool
	remoteAddr  string
	volume      int
)

var rootCmd = &cobra.Command{
	Use:   "jonect",
	Short: "Jonect audio player",
	Long: `Plays audio streamed by a Jonect server.

The player connects to the server's control port, announces itself and plays
the PCM or Opus stream the server offers. Without --server the local network
is searched for a server over mDNS.`,
	Example: `  # Search the network and show the terminal UI
  jonect

  # Connect to a known server without the UI
  jonect --server 192.168.1.10 --no-tui

  # Headless player controlled over a websocket
  jonect --no-tui --remote 0.0.0.0:8090`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runPlayer,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "YAML configuration file")
	flags.StringVar(&serverAddr, "server", "", "Server address, host or host:port (skips mDNS)")
	flags.IntVar(&controlPort, "port", 8080, "Server control port used when the address has none")
	flags.StringVar(&deviceID, "device-id", "", "Device id sent to the server (default: random uuid)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFile, "log-file", "jonect-player.log", "Log file path")
	flags.BoolVar(&noTUI, "no-tui", false, "Disable the TUI and stream logs instead")
	flags.BoolVar(&noDiscovery, "no-discovery", false, "Do not search for a server over mDNS")
	flags.StringVar(&remoteAddr, "remote", "", "Listen address for the websocket remote control (disabled when empty)")
	flags.IntVar(&volume, "volume", 100, "Output volume 0-100")
}

// loadConfig reads the config file and applies the flags the user set
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return config.Config{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerAddress = serverAddr
	}
	if flags.Changed("port") {
		cfg.ControlPort = controlPort
	}
	if flags.Changed("device-id") {
		cfg.DeviceID = deviceID
	}
	if flags.Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-file") {
		cfg.LogFile = logFile
	}
	if noTUI {
		cfg.UI.Enabled = false
	}
	if noDiscovery {
		cfg.Discovery.Enabled = false
	}
	if flags.Changed("remote") {
		cfg.Remote.ListenAddr = remoteAddr
	}
	if flags.Changed("volume") {
		cfg.Audio.Volume = volume
	}

	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var paths []string
	if !cfg.UI.Enabled {
		paths = append(paths, "stdout")
	}
	if cfg.LogFile != "" {
		paths = append(paths, cfg.LogFile)
	}
	if len(paths) == 0 {
		return zap.NewNop(), nil
	}
	return logging.New(cfg.LogLevel, paths...)
}

func runPlayer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting "+version.Product,
		zap.String("version", version.Version),
		zap.String("device_id", cfg.DeviceID))

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	coord := app.NewCoordinator(app.Config{
		ControlPort:      cfg.ControlPort,
		DeviceID:         cfg.DeviceID,
		Version:          version.Version,
		NativeSampleRate: cfg.Audio.NativeSampleRate,
		MaxAttempts:      cfg.Connect.MaxAttempts,
		RetryDelay:       cfg.Connect.RetryDelay,
		BufferFrames:     cfg.Audio.BufferFrames,
		PoolSize:         cfg.Audio.PoolSize,
		PrimingWrites:    cfg.Audio.PrimingWrites,
		Sink: output.NewOto(output.OtoConfig{
			NativeSampleRate: cfg.Audio.NativeSampleRate,
			Volume:           cfg.Audio.Volume,
			Logger:           logger.Named("output"),
		}),
		Logger: logger.Named("session"),
	})

	// subscribe before anything can publish
	statuses := coord.Subscribe()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := coord.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Remote.ListenAddr != "" {
		bridge := remote.NewBridge(remote.Config{
			ListenAddr: cfg.Remote.ListenAddr,
			Commander:  coord,
			Logger:     logger.Named("remote"),
		})
		if err := bridge.Listen(); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error { return bridge.Serve(gctx) })
	}

	address := cfg.ServerAddress
	if address == "" && cfg.Discovery.Enabled {
		address = discover(runCtx, cfg, logger)
	}
	if address != "" {
		if err := coord.Connect(address); err != nil {
			logger.Warn("Connect refused", zap.Error(err))
		}
	}

	var runErr error
	switch {
	case cfg.UI.Enabled:
		runErr = ui.Run(runCtx, coord, statuses, address)
	case address == "" && cfg.Remote.ListenAddr == "":
		runErr = errors.New("no server address: use --server, enable discovery or --remote")
	default:
		printStatuses(runCtx, statuses)
	}

	coord.Quit()
	stop()
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	logger.Info("Player stopped")
	return runErr
}

// discover returns the first server found on the network, or "" when
// none answers before the configured timeout
func discover(ctx context.Context, cfg config.Config, logger *zap.Logger) string {
	mgr := discovery.NewManager(discovery.Config{
		Service: cfg.Discovery.Service,
		Logger:  logger.Named("discovery"),
	})
	defer mgr.Stop()

	findCtx, cancel := context.WithTimeout(ctx, cfg.Discovery.Timeout)
	defer cancel()

	logger.Info("Searching for server", zap.String("service", cfg.Discovery.Service))
	server, err := mgr.Find(findCtx)
	if err != nil {
		logger.Warn("Server discovery failed", zap.Error(err))
		return ""
	}
	return server.Address()
}

// printStatuses shows statuses on stdout until the coordinator stops or ctx ends
func printStatuses(ctx context.Context, statuses <-chan app.Status) {
	for {
		select {
		case st, ok := <-statuses:
			if !ok {
				return
			}
			fmt.Printf("[%s] %s\n", st.State, st.Text)
		case <-ctx.Done():
			return
		}
	}
}
