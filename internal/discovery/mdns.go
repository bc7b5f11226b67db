package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/libp2p/zeroconf/v2"
)

// MDNSBrowser browses with zeroconf on every non-loopback interface that
// is up.
type MDNSBrowser struct {
	ifaces []net.Interface
}

func NewBrowser() (*MDNSBrowser, error) {
	return &MDNSBrowser{ifaces: upInterfaces()}, nil
}

func (b *MDNSBrowser) Browse(ctx context.Context, service, domain string, entries chan<- ServiceEntry) error {
	if b == nil {
		return errors.New("browser is required")
	}
	opts := Options{Service: service, Domain: domain}.normalized()

	raw := make(chan *zeroconf.ServiceEntry)
	go forwardEntries(ctx, raw, entries)

	if len(b.ifaces) > 0 {
		return zeroconf.Browse(ctx, opts.Service, opts.Domain, raw, zeroconf.SelectIfaces(b.ifaces))
	}
	return zeroconf.Browse(ctx, opts.Service, opts.Domain, raw)
}

func forwardEntries(ctx context.Context, raw <-chan *zeroconf.ServiceEntry, entries chan<- ServiceEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-raw:
			if !ok || e == nil {
				return
			}
			converted := ServiceEntry{
				Instance: e.Instance,
				HostName: e.HostName,
				Port:     e.Port,
				IPv4:     cloneIPs(e.AddrIPv4),
				IPv6:     cloneIPs(e.AddrIPv6),
				Text:     append([]string(nil), e.Text...),
			}
			select {
			case <-ctx.Done():
				return
			case entries <- converted:
			}
		}
	}
}

type AdvertiseOptions struct {
	Instance string
	Service  string
	Domain   string
	Port     int
	Text     []string
}

type Advertiser struct {
	server *zeroconf.Server
}

func Advertise(opts AdvertiseOptions) (*Advertiser, error) {
	norm := Options{Service: opts.Service, Domain: opts.Domain}.normalized()
	instance := strings.TrimSpace(opts.Instance)
	if instance == "" {
		instance = DefaultInstance
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid advertise port: %d", opts.Port)
	}
	server, err := zeroconf.Register(instance, norm.Service, norm.Domain, opts.Port, opts.Text, upInterfaces())
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", norm.Service, err)
	}
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Close() error {
	if a == nil || a.server == nil {
		return nil
	}
	a.server.Shutdown()
	return nil
}

func cloneIPs(in []net.IP) []net.IP {
	if len(in) == 0 {
		return nil
	}
	out := make([]net.IP, 0, len(in))
	for _, ip := range in {
		if ip != nil {
			out = append(out, append(net.IP(nil), ip...))
		}
	}
	return out
}

// upInterfaces returns nil when nothing qualifies so zeroconf falls back to
// its own interface selection.
func upInterfaces() []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []net.Interface
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		out = append(out, iface)
	}
	return out
}
