// Package discovery implements mDNS/DNS-SD advertisement and lookup of the
// intercom fleet's control endpoint, grounded on the teacher's dns_sd.go
// KISS-over-TCP announcer, generalized from a single announced TNC to a
// browse/resolve client a beltpack uses to find its server automatically.
package discovery

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brutella/dnssd"
)

// ServiceType is the DNS-SD service type the server advertises and the
// beltpack browses for.
const ServiceType = "_lancomm._tcp"

// ProtocolVersion is advertised in the TXT record so a future incompatible
// wire revision can refuse to pair with an old fleet member.
const ProtocolVersion = "1.0"

// DefaultBrowseTimeout bounds how long Discover waits for a resolved
// instance before giving up and letting the caller fall back to an
// explicit host:port.
const DefaultBrowseTimeout = 10 * time.Second

// Advertiser announces the control endpoint over mDNS/DNS-SD.
type Advertiser struct {
	responder dnssd.Responder
}

// Advertise registers a service named name (or a hostname-derived default)
// on port, and starts responding to mDNS queries in the background until
// ctx is cancelled. Mirrors the teacher's dns_sd_announce, generalized to
// this fabric's service type and TXT schema.
func Advertise(ctx context.Context, name string, port int) (*Advertiser, error) {
	if name == "" {
		name = defaultServiceName()
	}

	cfg := dnssd.Config{
		Name: name,
		Type: ServiceType,
		Port: port,
		Text: map[string]string{
			"version": ProtocolVersion,
			"type":    "server",
		},
	}

	service, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: create service: %w", err)
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("discovery: create responder: %w", err)
	}
	if _, err := responder.Add(service); err != nil {
		return nil, fmt.Errorf("discovery: register service: %w", err)
	}

	a := &Advertiser{responder: responder}
	go func() {
		if err := responder.Respond(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "discovery: responder stopped: %v\n", err)
		}
	}()
	return a, nil
}

func defaultServiceName() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "Intercom Server"
	}
	hostname, _, _ = strings.Cut(hostname, ".")
	return "Intercom Server on " + hostname
}

// Endpoint is a discovered server's resolved control address.
type Endpoint struct {
	Host string
	Port int
}

// Discover browses for the first advertised lancomm server and resolves
// its host and port, returning once one instance answers or timeout
// elapses, whichever comes first.
func Discover(ctx context.Context, timeout time.Duration) (Endpoint, error) {
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	found := make(chan Endpoint, 1)

	addFn := func(entry dnssd.BrowseEntry) {
		ep, ok := entryToEndpoint(entry)
		if !ok {
			return
		}
		select {
		case found <- ep:
		default:
		}
	}
	rmvFn := func(dnssd.BrowseEntry) {}

	go func() {
		_ = dnssd.LookupType(browseCtx, ServiceType, addFn, rmvFn)
	}()

	select {
	case ep := <-found:
		return ep, nil
	case <-browseCtx.Done():
		return Endpoint{}, fmt.Errorf("discovery: no server found within %s: %w", timeout, browseCtx.Err())
	}
}

func entryToEndpoint(entry dnssd.BrowseEntry) (Endpoint, bool) {
	if len(entry.IPs) == 0 || entry.Port == 0 {
		return Endpoint{}, false
	}
	return Endpoint{Host: entry.IPs[0].String(), Port: entry.Port}, true
}

// FormatEndpoint renders an Endpoint as host:port for dialing.
func FormatEndpoint(ep Endpoint) string {
	return ep.Host + ":" + strconv.Itoa(ep.Port)
}
