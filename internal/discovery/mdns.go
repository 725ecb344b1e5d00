// ABOUTME: mDNS service discovery for Jonect servers
// ABOUTME: Browses for servers when no address is configured and advertises the test server
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

const (
	DefaultService = "_jonect._tcp"
	defaultRound   = 3 * time.Second
)

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	// Service is the DNS-SD service type, _jonect._tcp by default
	Service string
	// Round is how long a single query waits for answers
	Round  time.Duration
	Logger *zap.Logger
}

// Manager handles mDNS operations
type Manager struct {
	config  Config
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo
	browse  sync.Once
}

// ServerInfo describes a discovered server
type ServerInfo struct {
	Name string
	Host string
	Port int
}

// Address is the host:port of the server's control socket
func (s *ServerInfo) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.Service == "" {
		config.Service = DefaultService
	}
	if config.Round <= 0 {
		config.Round = defaultRound
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:  config,
		logger:  config.Logger,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
	}
}

// Advertise announces a server on the local network until Stop is called
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		m.config.Service,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"protocol=jonect"},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.logger.Info("Advertising mDNS service",
		zap.String("name", m.config.ServiceName),
		zap.Int("port", m.config.Port),
		zap.String("type", m.config.Service))

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse starts searching for servers in the background. Results arrive
// on Servers. Calling it again has no effect.
func (m *Manager) Browse() {
	m.browse.Do(func() {
		go m.browseLoop()
	})
}

// Find browses until the first server answers or ctx ends
func (m *Manager) Find(ctx context.Context) (*ServerInfo, error) {
	m.Browse()

	select {
	case server := <-m.servers:
		return server, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no %s server found: %w", m.config.Service, ctx.Err())
	case <-m.ctx.Done():
		return nil, fmt.Errorf("discovery stopped: %w", m.ctx.Err())
	}
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		forwarded := make(chan struct{})

		go func() {
			defer close(forwarded)
			for entry := range entries {
				server, ok := serverFromEntry(entry)
				if !ok {
					continue
				}

				m.logger.Info("Discovered server",
					zap.String("name", server.Name), zap.String("address", server.Address()))

				select {
				case m.servers <- server:
				case <-m.ctx.Done():
				default:
					m.logger.Debug("Discovery results not consumed, dropping", zap.String("name", server.Name))
				}
			}
		}()

		params := &mdns.QueryParam{
			Service: m.config.Service,
			Domain:  "local",
			Timeout: m.config.Round,
			Entries: entries,
		}

		if err := mdns.Query(params); err != nil {
			m.logger.Warn("mDNS query failed", zap.Error(err))
			select {
			case <-time.After(m.config.Round):
			case <-m.ctx.Done():
			}
		}
		close(entries)
		<-forwarded
	}
}

// serverFromEntry prefers the IPv4 address of an answer
func serverFromEntry(entry *mdns.ServiceEntry) (*ServerInfo, bool) {
	if entry == nil || entry.Port <= 0 {
		return nil, false
	}

	var host string
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		host = entry.AddrV6.String()
	default:
		return nil, false
	}

	return &ServerInfo{Name: entry.Name, Host: host, Port: entry.Port}, true
}

// Servers returns the channel of discovered servers
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Stop ends browsing and advertisement
func (m *Manager) Stop() {
	m.cancel()
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
