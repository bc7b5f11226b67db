// Package discovery finds a dockgen server on the local network over mDNS
// and advertises one.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultService  = "_dockgen._tcp"
	DefaultDomain   = "local."
	DefaultInstance = "dockgen"
	DefaultTimeout  = 2 * time.Second
)

var ErrNoServiceFound = errors.New("no dockgen server found")

// ServiceEntry is one browse answer, decoupled from the mDNS library.
type ServiceEntry struct {
	Instance string
	HostName string
	Port     int
	IPv4     []net.IP
	IPv6     []net.IP
	Text     []string
}

type Endpoint struct {
	URL      string
	Instance string
	HostName string
	Port     int
	// API is the "api" TXT value the server advertised, if any.
	API string
}

type Browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error
}

type Options struct {
	Service string
	Domain  string
	Timeout time.Duration
}

func (o Options) normalized() Options {
	o.Service = strings.TrimSpace(o.Service)
	o.Domain = strings.TrimSpace(o.Domain)
	if o.Service == "" {
		o.Service = DefaultService
	}
	if o.Domain == "" {
		o.Domain = DefaultDomain
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// ServerURL returns explicit when set and otherwise the first server found
// on the network.
func ServerURL(ctx context.Context, explicit string, browser Browser, opts Options) (string, error) {
	if u := strings.TrimRight(strings.TrimSpace(explicit), "/"); u != "" {
		return u, nil
	}
	if browser == nil {
		b, err := NewBrowser()
		if err != nil {
			return "", err
		}
		browser = b
	}
	ep, err := Find(ctx, browser, opts)
	if err != nil {
		return "", err
	}
	return ep.URL, nil
}

// Find browses until the first usable entry arrives or the timeout ends.
// A browse call that returns early without error keeps the scan running,
// since some resolvers deliver answers after Browse has returned.
func Find(ctx context.Context, browser Browser, opts Options) (Endpoint, error) {
	if browser == nil {
		return Endpoint{}, errors.New("browser is required")
	}
	opts = opts.normalized()

	scanCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	entries := make(chan ServiceEntry, 32)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- browser.Browse(scanCtx, opts.Service, opts.Domain, entries)
	}()

	for {
		select {
		case <-scanCtx.Done():
			if ctx.Err() != nil {
				return Endpoint{}, ctx.Err()
			}
			return Endpoint{}, fmt.Errorf("browse %s%s: %w", opts.Service, opts.Domain, ErrNoServiceFound)
		case err := <-browseErr:
			if err != nil {
				return Endpoint{}, fmt.Errorf("browse %s: %w", opts.Service, err)
			}
			browseErr = nil
		case entry := <-entries:
			if ep, ok := endpointFor(entry); ok {
				return ep, nil
			}
		}
	}
}

func endpointFor(entry ServiceEntry) (Endpoint, bool) {
	if entry.Port <= 0 || entry.Port > 65535 {
		return Endpoint{}, false
	}
	ip := preferredIP(entry.IPv4, entry.IPv6)
	if ip == nil {
		return Endpoint{}, false
	}
	return Endpoint{
		URL:      "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)),
		Instance: entry.Instance,
		HostName: entry.HostName,
		Port:     entry.Port,
		API:      textValue(entry.Text, "api"),
	}, true
}

// ListenPort extracts the port an advertiser should announce for a server
// listening on listenAddr.
func ListenPort(listenAddr string) (int, error) {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return 0, errors.New("listen address is required")
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("parse listen port %q: %w", portStr, err)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("listen port out of range: %d", port)
	}
	return port, nil
}

// preferredIP picks a routable address before a loopback one and IPv4
// before IPv6 within each group.
func preferredIP(ipv4, ipv6 []net.IP) net.IP {
	for _, wantLoopback := range []bool{false, true} {
		for _, group := range [][]net.IP{ipv4, ipv6} {
			for _, ip := range group {
				if ip == nil || ip.IsUnspecified() {
					continue
				}
				if ip.IsLoopback() == wantLoopback {
					return ip
				}
			}
		}
	}
	return nil
}

func textValue(txt []string, key string) string {
	prefix := key + "="
	for _, kv := range txt {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix)
		}
	}
	return ""
}
