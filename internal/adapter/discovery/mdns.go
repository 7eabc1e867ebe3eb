// Package discovery finds Clawdbot gateways on the local network over
// mDNS/DNS-SD and advertises the local simulator the same way.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType        = "_clawdbot-gw._tcp"
	Domain             = "local."
	DefaultScanTimeout = 3 * time.Second
)

// Gateway is one gateway found on the network.
type Gateway struct {
	Instance string
	URL      string
	Version  string
	Metadata map[string]string
}

// Browser scans for gateways.
type Browser struct {
	logger  *slog.Logger
	timeout time.Duration
}

// NewBrowser creates a Browser. A zero timeout uses DefaultScanTimeout.
func NewBrowser(timeout time.Duration, logger *slog.Logger) *Browser {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	return &Browser{logger: logger, timeout: timeout}
}

// Scan browses until the scan timeout or ctx ends and returns what it saw,
// sorted by URL.
func (b *Browser) Scan(ctx context.Context) ([]Gateway, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	seen := make(map[string]Gateway)
	var wg sync.WaitGroup

	scanCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			gw, ok := entryToGateway(entry)
			if !ok {
				continue
			}
			mu.Lock()
			seen[gw.URL] = gw
			mu.Unlock()
			b.logger.Debug("mdns discovered gateway", "instance", gw.Instance, "url", gw.URL)
		}
	}()

	if err := resolver.Browse(scanCtx, ServiceType, Domain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	out := make([]Gateway, 0, len(seen))
	for _, gw := range seen {
		out = append(out, gw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// Advertise registers a gateway listening on port and blocks until ctx is
// cancelled.
func Advertise(ctx context.Context, instance string, port int, metadata map[string]string, logger *slog.Logger) error {
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txtRecords(metadata), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	logger.Info("mdns advertising", "instance", instance, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

// PortOf extracts the numeric port from a host:port listen address.
func PortOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", p)
	}
	return port, nil
}

func entryToGateway(entry *zeroconf.ServiceEntry) (Gateway, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return Gateway{}, false
	}

	metadata := parseTXTRecords(entry.Text)
	scheme := "ws"
	if metadata["tls"] == "1" {
		scheme = "wss"
	}
	path := metadata["path"]
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return Gateway{
		Instance: entry.ServiceRecord.Instance,
		URL:      scheme + "://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)) + path,
		Version:  metadata["version"],
		Metadata: metadata,
	}, true
}

func txtRecords(metadata map[string]string) []string {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}
	sort.Strings(txt)
	return txt
}

func parseTXTRecords(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok {
			m[k] = v
		}
	}
	return m
}
