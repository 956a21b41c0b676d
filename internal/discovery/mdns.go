// Package discovery advertises and finds relays on the local network over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_dropline._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultPath is the websocket path advertised in TXT records.
	DefaultPath = "/ws"
	// DefaultScanTimeout bounds a Browse call.
	DefaultScanTimeout = 3 * time.Second

	protocolVersion = 1
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertisement and browsing.
type Config struct {
	Service     string
	Domain      string
	Instance    string
	Port        int
	Path        string
	ScanTimeout time.Duration

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Path == "" {
		out.Path = DefaultPath
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.browseFn == nil {
		out.browseFn = func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			resolver, err := zeroconf.NewResolver(nil)
			if err != nil {
				return err
			}
			return resolver.Browse(ctx, service, domain, entries)
		}
	}
	return out
}

// Advertiser keeps a relay registered until Stop.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers a relay listening on cfg.Port.
func Advertise(cfg Config) (*Advertiser, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Instance) == "" {
		return nil, errors.New("instance name is required")
	}
	if cfg.Port <= 0 {
		return nil, errors.New("port must be > 0")
	}
	txt := []string{
		"path=" + cfg.Path,
		"version=" + strconv.Itoa(protocolVersion),
	}
	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Relay is one advertised relay.
type Relay struct {
	Instance string
	URL      string
}

// Browse collects relays answering within cfg.ScanTimeout or until ctx ends.
// Results are sorted by instance name and deduplicated by URL.
func Browse(ctx context.Context, cfg Config) ([]Relay, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := cfg.browseFn(ctx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	seen := make(map[string]bool)
	var out []Relay
	for {
		select {
		case <-ctx.Done():
			return sortRelays(out), nil
		case entry, ok := <-entries:
			if !ok {
				return sortRelays(out), nil
			}
			r, ok := relayFromEntry(entry)
			if !ok || seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			out = append(out, r)
		}
	}
}

func relayFromEntry(entry *zeroconf.ServiceEntry) (Relay, bool) {
	if entry == nil || entry.Port <= 0 {
		return Relay{}, false
	}
	txt := txtToMap(entry.Text)
	if v := txt["version"]; v != "" && v != strconv.Itoa(protocolVersion) {
		return Relay{}, false
	}
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	default:
		return Relay{}, false
	}
	path := txt["path"]
	if path == "" {
		path = DefaultPath
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(entry.Port)), Path: path}
	return Relay{Instance: entry.Instance, URL: u.String()}, true
}

func txtToMap(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		k, v, ok := strings.Cut(r, "=")
		if ok {
			out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
	return out
}

func sortRelays(rs []Relay) []Relay {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Instance != rs[j].Instance {
			return rs[i].Instance < rs[j].Instance
		}
		return rs[i].URL < rs[j].URL
	})
	return rs
}
