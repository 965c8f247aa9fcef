// Package discovery advertises the ink router on the local network so
// device bridges can find it without configuration.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// DefaultService is the DNS-SD service type of the ink router.
const DefaultService = "_codrawer._tcp"

// Config configures LAN advertisement.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
	Service  string `yaml:"service"`
	Domain   string `yaml:"domain"`
}

// DefaultConfig returns advertisement defaults. Advertising is off unless
// enabled.
func DefaultConfig() Config {
	return Config{Service: DefaultService, Domain: "local."}
}

// Advertiser owns a running mDNS responder.
type Advertiser struct {
	server *mdns.Server
	zone   *mdns.MDNSService
	logger *slog.Logger
}

// TXT returns the TXT record advertised for a WebSocket path prefix.
func TXT(wsPath string) []string {
	return []string{"path=" + wsPath, "proto=codrawer/1"}
}

// NewService builds the zone advertised for port. A nil ips slice lets the
// library resolve the host's addresses.
func NewService(cfg Config, port int, ips []net.IP) (*mdns.MDNSService, error) {
	instance := cfg.Instance
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve hostname: %w", err)
		}
		instance = "codrawer on " + strings.Split(host, ".")[0]
	}
	service := cfg.Service
	if service == "" {
		service = DefaultService
	}
	zone, err := mdns.NewMDNSService(instance, service, cfg.Domain, "", port, ips, TXT("/ws/"))
	if err != nil {
		return nil, fmt.Errorf("create mDNS service: %w", err)
	}
	return zone, nil
}

// Advertise starts answering mDNS queries for the router on port.
func Advertise(cfg Config, port int, logger *slog.Logger) (*Advertiser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	zone, err := NewService(cfg, port, nil)
	if err != nil {
		return nil, err
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return nil, fmt.Errorf("start mDNS server: %w", err)
	}
	logger = logger.With("component", "discovery")
	logger.Info("advertising on LAN", "instance", zone.Instance, "service", zone.Service, "port", port)
	return &Advertiser{server: server, zone: zone, logger: logger}, nil
}

// Shutdown stops the responder.
func (a *Advertiser) Shutdown() error {
	if a == nil || a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}

// Entry is one discovered router.
type Entry struct {
	Instance string
	Addr     string
	Path     string
}

// Browse queries the LAN for routers until timeout or ctx ends.
func Browse(ctx context.Context, service string, timeout time.Duration) ([]Entry, error) {
	if service == "" {
		service = DefaultService
	}
	entries := make(chan *mdns.ServiceEntry, 16)
	var found []Entry
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if entry, ok := toEntry(e); ok {
				found = append(found, entry)
			}
		}
	}()

	params := mdns.DefaultParams(service)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	errCh := make(chan error, 1)
	go func() { errCh <- mdns.Query(params) }()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
		// Query returns on its own timeout; entries must stay open until then.
		<-errCh
	}
	close(entries)
	<-done
	return found, err
}

func toEntry(e *mdns.ServiceEntry) (Entry, bool) {
	if e == nil || e.Port == 0 {
		return Entry{}, false
	}
	ip := e.AddrV4
	if ip == nil {
		ip = e.AddrV6
	}
	if ip == nil {
		return Entry{}, false
	}
	entry := Entry{
		Instance: e.Name,
		Addr:     net.JoinHostPort(ip.String(), fmt.Sprint(e.Port)),
		Path:     "/ws/",
	}
	for _, field := range e.InfoFields {
		if v, ok := strings.CutPrefix(field, "path="); ok && v != "" {
			entry.Path = v
		}
	}
	return entry, true
}
