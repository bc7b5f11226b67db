package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestEndpointFor_PrefersRoutableIPv4(t *testing.T) {
	ep, ok := endpointFor(ServiceEntry{
		Instance: "dockgen",
		HostName: "builder.local.",
		Port:     3001,
		IPv4:     []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("192.168.1.10")},
		IPv6:     []net.IP{net.ParseIP("::1")},
		Text:     []string{"api=v1"},
	})
	if !ok {
		t.Fatalf("expected endpoint")
	}
	if ep.URL != "http://192.168.1.10:3001" {
		t.Fatalf("unexpected url: %s", ep.URL)
	}
	if ep.API != "v1" {
		t.Fatalf("expected api txt value, got %q", ep.API)
	}
}

func TestEndpointFor_RoutableIPv6BeatsLoopbackIPv4(t *testing.T) {
	ep, ok := endpointFor(ServiceEntry{
		Port: 3001,
		IPv4: []net.IP{net.ParseIP("127.0.0.1")},
		IPv6: []net.IP{net.ParseIP("fd00::10")},
	})
	if !ok {
		t.Fatalf("expected endpoint")
	}
	if ep.URL != "http://[fd00::10]:3001" {
		t.Fatalf("unexpected url: %s", ep.URL)
	}
}

func TestEndpointFor_LoopbackOnly(t *testing.T) {
	ep, ok := endpointFor(ServiceEntry{Port: 3001, IPv4: []net.IP{net.ParseIP("127.0.0.1")}})
	if !ok {
		t.Fatalf("expected loopback endpoint")
	}
	if ep.URL != "http://127.0.0.1:3001" {
		t.Fatalf("unexpected url: %s", ep.URL)
	}
}

func TestEndpointFor_InvalidEntry(t *testing.T) {
	if _, ok := endpointFor(ServiceEntry{Port: 0, IPv4: []net.IP{net.ParseIP("10.0.0.1")}}); ok {
		t.Fatalf("expected invalid endpoint for zero port")
	}
	if _, ok := endpointFor(ServiceEntry{Port: 3001}); ok {
		t.Fatalf("expected invalid endpoint without IP")
	}
	if _, ok := endpointFor(ServiceEntry{Port: 3001, IPv4: []net.IP{net.IPv4zero}}); ok {
		t.Fatalf("expected invalid endpoint for unspecified IP")
	}
}

func TestListenPort(t *testing.T) {
	port, err := ListenPort(":3001")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if port != 3001 {
		t.Fatalf("expected 3001, got %d", port)
	}
	for _, bad := range []string{"", "3001", ":0", ":70000", ":http"} {
		if _, err := ListenPort(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestFind_ReturnsFirstUsableEntry(t *testing.T) {
	fb := &fakeBrowser{entries: []ServiceEntry{
		{Instance: "broken", Port: 3001},
		{Instance: "dockgen", Port: 3001, IPv4: []net.IP{net.ParseIP("10.0.0.5")}},
	}}
	ep, err := Find(context.Background(), fb, Options{Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if ep.URL != "http://10.0.0.5:3001" || ep.Instance != "dockgen" {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}
	if fb.service != DefaultService || fb.domain != DefaultDomain {
		t.Fatalf("expected default service and domain, got %q %q", fb.service, fb.domain)
	}
}

func TestFind_NoResult(t *testing.T) {
	_, err := Find(context.Background(), &fakeBrowser{}, Options{Timeout: 30 * time.Millisecond})
	if !errors.Is(err, ErrNoServiceFound) {
		t.Fatalf("expected ErrNoServiceFound, got %v", err)
	}
}

func TestFind_ParentCancelIsNotNoService(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Find(ctx, &fakeBrowser{}, Options{Timeout: time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFind_BrowseError(t *testing.T) {
	_, err := Find(context.Background(), &fakeBrowser{err: errors.New("boom")}, Options{Timeout: 200 * time.Millisecond})
	if err == nil || errors.Is(err, ErrNoServiceFound) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

func TestFind_LateEntryAfterBrowseReturns(t *testing.T) {
	fb := &fakeBrowser{
		asyncEntries: []ServiceEntry{{Port: 3001, IPv4: []net.IP{net.ParseIP("10.0.0.11")}}},
		asyncDelay:   10 * time.Millisecond,
	}
	ep, err := Find(context.Background(), fb, Options{Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if ep.URL != "http://10.0.0.11:3001" {
		t.Fatalf("unexpected url: %s", ep.URL)
	}
}

func TestServerURL_ExplicitSkipsBrowse(t *testing.T) {
	fb := &fakeBrowser{err: errors.New("must not browse")}
	got, err := ServerURL(context.Background(), " http://builder:3001/ ", fb, Options{})
	if err != nil {
		t.Fatalf("server url failed: %v", err)
	}
	if got != "http://builder:3001" {
		t.Fatalf("unexpected url: %s", got)
	}
}

func TestServerURL_Discovers(t *testing.T) {
	fb := &fakeBrowser{entries: []ServiceEntry{{Port: 3001, IPv4: []net.IP{net.ParseIP("10.0.0.7")}}}}
	got, err := ServerURL(context.Background(), "", fb, Options{Service: "_custom._tcp", Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("server url failed: %v", err)
	}
	if got != "http://10.0.0.7:3001" {
		t.Fatalf("unexpected url: %s", got)
	}
	if fb.service != "_custom._tcp" {
		t.Fatalf("expected custom service, got %q", fb.service)
	}
}

type fakeBrowser struct {
	entries      []ServiceEntry
	asyncEntries []ServiceEntry
	asyncDelay   time.Duration
	err          error

	service string
	domain  string
}

func (f *fakeBrowser) Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error {
	f.service, f.domain = service, domain
	if f.err != nil {
		return f.err
	}
	for _, entry := range f.entries {
		select {
		case <-ctx.Done():
			return nil
		case entries <- entry:
		}
	}
	if len(f.asyncEntries) > 0 {
		go func() {
			timer := time.NewTimer(f.asyncDelay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			for _, entry := range f.asyncEntries {
				select {
				case <-ctx.Done():
					return
				case entries <- entry:
				}
			}
		}()
		return nil
	}
	<-ctx.Done()
	return nil
}
