// ABOUTME: Tests for mDNS discovery
// ABOUTME: Covers defaults, answer conversion and Find without touching the network
package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/mdns"
)

func TestNewManagerDefaults(t *testing.T) {
	mgr := NewManager(Config{ServiceName: "Test Server", Port: 8080})
	defer mgr.Stop()

	if mgr.config.Service != "_jonect._tcp" {
		t.Errorf("expected service _jonect._tcp, got %s", mgr.config.Service)
	}
	if mgr.config.Round != 3*time.Second {
		t.Errorf("expected 3s query round, got %v", mgr.config.Round)
	}
	if mgr.Servers() == nil {
		t.Error("servers channel should not be nil")
	}
}

func TestServerFromEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry *mdns.ServiceEntry
		want  string
		ok    bool
	}{
		{name: "nil", entry: nil},
		{name: "no port", entry: &mdns.ServiceEntry{Name: "a", AddrV4: net.IPv4(10, 0, 0, 2)}},
		{name: "no address", entry: &mdns.ServiceEntry{Name: "a", Port: 8080}},
		{
			name:  "ipv4",
			entry: &mdns.ServiceEntry{Name: "a", AddrV4: net.IPv4(10, 0, 0, 2), Port: 8080},
			want:  "10.0.0.2:8080",
			ok:    true,
		},
		{
			name:  "ipv6 only",
			entry: &mdns.ServiceEntry{Name: "a", AddrV6: net.ParseIP("fe80::1"), Port: 9000},
			want:  "[fe80::1]:9000",
			ok:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, ok := serverFromEntry(tt.entry)
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && server.Address() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, server.Address())
			}
		})
	}
}

func TestFindReturnsFirstServer(t *testing.T) {
	mgr := NewManager(Config{})
	defer mgr.Stop()

	// keep the background query from starting
	mgr.browse.Do(func() {})
	mgr.servers <- &ServerInfo{Name: "desk", Host: "192.168.1.20", Port: 8080}

	server, err := mgr.Find(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if server.Address() != "192.168.1.20:8080" {
		t.Errorf("expected 192.168.1.20:8080, got %s", server.Address())
	}
}

func TestFindHonorsContext(t *testing.T) {
	mgr := NewManager(Config{})
	defer mgr.Stop()
	mgr.browse.Do(func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := mgr.Find(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestFindAfterStop(t *testing.T) {
	mgr := NewManager(Config{})
	mgr.browse.Do(func() {})
	mgr.Stop()

	_, err := mgr.Find(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled, got %v", err)
	}
}
