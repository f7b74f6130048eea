// Package discovery announces collaboration servers on the local network
// over mDNS and finds the ones already running.
package discovery

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_promptstudio-collab._tcp"
	Domain  = "local."

	defaultPath = "/ws"
)

// Peer is a discovered server.
type Peer struct {
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Addrs    []net.IP `json:"addrs"`
	Text     []string `json:"text,omitempty"`
	// URL is the websocket endpoint to join rooms on.
	URL string `json:"url"`
}

// DefaultInstance names this host's advertisement.
func DefaultInstance() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return "collab-" + host
}

// Advertise registers the server on port until the returned shutdown
// function is called.
func Advertise(instance string, port int) (shutdown func(), err error) {
	if instance == "" {
		instance = DefaultInstance()
	}
	server, err := zeroconf.Register(instance, Service, Domain, port,
		[]string{"txtv=1", "path=" + defaultPath}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return server.Shutdown, nil
}

// Browse collects the servers answering until ctx is done.
func Browse(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("initialize mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS services: %w", err)
	}

	var peers []Peer
	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return peers, nil
		case entry, ok := <-entries:
			if !ok {
				return peers, nil
			}
			if entry == nil || seen[entry.Instance] {
				continue
			}
			seen[entry.Instance] = true
			peers = append(peers, peerFromEntry(entry))
		}
	}
}

func peerFromEntry(e *zeroconf.ServiceEntry) Peer {
	p := Peer{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		Text:     e.Text,
	}
	p.Addrs = append(p.Addrs, e.AddrIPv4...)
	p.Addrs = append(p.Addrs, e.AddrIPv6...)

	host := strings.TrimSuffix(e.HostName, ".")
	if len(p.Addrs) > 0 {
		host = p.Addrs[0].String()
	}
	path := defaultPath
	for _, kv := range e.Text {
		if v, ok := strings.CutPrefix(kv, "path="); ok && v != "" {
			path = v
		}
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(e.Port)), Path: path}
	p.URL = u.String()
	return p
}
