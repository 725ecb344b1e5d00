// ABOUTME: Entry point for the reference Jonect server
// ABOUTME: Serves the control protocol and streams a test tone for manual player testing
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonect/jonect-go/internal/audio"
	"github.com/jonect/jonect-go/internal/discovery"
	"github.com/jonect/jonect-go/internal/logging"
	"github.com/jonect/jonect-go/internal/testserver"
	"github.com/jonect/jonect-go/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	controlAddr  string
	dataAddr     string
	serverID     string
	format       string
	channels     int
	rate         int
	noAutoStream bool
	pingInterval time.Duration
	logLevel     string
	advertise    bool
)

var rootCmd = &cobra.Command{
	Use:   "jonect-testserver",
	Short: "Reference Jonect server streaming a test tone",
	Long: `A minimal Jonect server for trying out the player.

It accepts one player on the control port, answers ClientInfo with
PlayAudioStream and streams a 440Hz tone on the data port, as raw PCM or as
length-prefixed Opus packets.`,
	Example: `  # Stereo PCM on the default ports
  jonect-testserver

  # Opus, advertised over mDNS
  jonect-testserver --format opus --mdns`,
	Version:      version.Version,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&controlAddr, "control", ":8080", "Control socket listen address")
	flags.StringVar(&dataAddr, "data", ":8081", "Audio data socket listen address")
	flags.StringVar(&serverID, "id", "", "Server id sent in ServerInfo (default: hostname)")
	flags.StringVar(&format, "format", audio.FormatPCMS16LE, "Stream format (pcm-s16le, opus)")
	flags.IntVar(&channels, "channels", 2, "Channel count (1 or 2)")
	flags.IntVar(&rate, "rate", 48000, "Sample rate in Hz")
	flags.BoolVar(&noAutoStream, "no-autostream", false, "Do not start streaming after the player announces itself")
	flags.DurationVar(&pingInterval, "ping-interval", 5*time.Second, "Interval between pings (0 disables)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.BoolVar(&advertise, "mdns", false, "Advertise the server over mDNS")
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if serverID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		serverID = hostname + "-jonect-testserver"
	}

	srv, err := testserver.New(testserver.Config{
		ControlAddr:  controlAddr,
		DataAddr:     dataAddr,
		ServerID:     serverID,
		Format:       format,
		Channels:     channels,
		Rate:         rate,
		AutoStream:   !noAutoStream,
		PingInterval: pingInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	srv.Start()
	defer srv.Close()

	if advertise {
		mgr, err := advertiseServer(srv.ControlAddr(), logger)
		if err != nil {
			return err
		}
		defer mgr.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Serving %s on %s (Ctrl-C to stop)\n", serverID, srv.ControlAddr())
	<-ctx.Done()

	logger.Info("Shutting down")
	return nil
}

func advertiseServer(addr string, logger *zap.Logger) (*discovery.Manager, error) {
	_, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return nil, fmt.Errorf("bad control port %q: %w", portText, err)
	}

	mgr := discovery.NewManager(discovery.Config{
		ServiceName: serverID,
		Port:        port,
		Logger:      logger.Named("discovery"),
	})
	if err := mgr.Advertise(); err != nil {
		mgr.Stop()
		return nil, err
	}
	return mgr, nil
}
