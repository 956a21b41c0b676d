package discovery

import (
	"context"
	"errors"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestAdvertiseBuildsTXTRecords(t *testing.T) {
	var (
		gotInstance, gotService, gotDomain string
		gotPort                            int
		gotTXT                             []string
	)
	cfg := Config{
		Instance: "office relay",
		Port:     8440,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance, gotService, gotDomain, gotPort = instance, service, domain, port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}
	a, err := Advertise(cfg)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	a.Stop()

	if gotInstance != "office relay" || gotService != DefaultService || gotDomain != DefaultDomain || gotPort != 8440 {
		t.Fatalf("registered %q %q %q %d", gotInstance, gotService, gotDomain, gotPort)
	}
	for _, want := range []string{"path=/ws", "version=1"} {
		if !slices.Contains(gotTXT, want) {
			t.Errorf("TXT %v missing %q", gotTXT, want)
		}
	}
}

func TestAdvertiseValidation(t *testing.T) {
	noop := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) { return nil, nil }
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no instance", Config{Port: 1, registerFn: noop}},
		{"no port", Config{Instance: "x", registerFn: noop}},
	}
	for _, tt := range tests {
		if _, err := Advertise(tt.cfg); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}

	boom := errors.New("boom")
	_, err := Advertise(Config{Instance: "x", Port: 1, registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, boom
	}})
	if !errors.Is(err, boom) {
		t.Errorf("Advertise error = %v, want wrapped boom", err)
	}
}

func TestBrowseCollectsRelays(t *testing.T) {
	cfg := Config{
		ScanTimeout: time.Second,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			go func() {
				defer close(entries)
				entries <- entry("zeta", "10.0.0.2", 9000, "path=/ws", "version=1")
				entries <- entry("alpha", "10.0.0.1", 8440, "path=/relay", "version=1")
				entries <- entry("alpha-dup", "10.0.0.1", 8440, "path=/relay", "version=1")
				entries <- entry("future", "10.0.0.3", 1, "version=2")
				noaddr := zeroconf.NewServiceEntry("noaddr", service, domain)
				noaddr.Port = 1
				entries <- noaddr
			}()
			return nil
		},
	}
	got, err := Browse(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	want := []Relay{
		{Instance: "alpha", URL: "ws://10.0.0.1:8440/relay"},
		{Instance: "zeta", URL: "ws://10.0.0.2:9000/ws"},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("Browse = %+v, want %+v", got, want)
	}
}

func TestBrowseStopsAtTimeout(t *testing.T) {
	cfg := Config{
		ScanTimeout: 50 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	}
	start := time.Now()
	got, err := Browse(context.Background(), cfg)
	if err != nil || len(got) != 0 {
		t.Fatalf("Browse = %v, %v", got, err)
	}
	if time.Since(start) > time.Second {
		t.Error("Browse did not honor ScanTimeout")
	}
}

func TestBrowseError(t *testing.T) {
	boom := errors.New("no multicast")
	_, err := Browse(context.Background(), Config{browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
		return boom
	}})
	if !errors.Is(err, boom) {
		t.Fatalf("Browse error = %v", err)
	}
}

func entry(instance, ip string, port int, txt ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	e.Port = port
	e.Text = txt
	e.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	return e
}
