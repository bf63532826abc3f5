package hue

import (
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	mdnsService = "_hue._tcp"

	// DiscoverWindow is how long setup listens for mDNS answers.
	DiscoverWindow = 4 * time.Second
)

// Candidate is an unverified bridge found on the local network.
type Candidate struct {
	Addr string
	Name string
}

// Discover collects bridge candidates advertised over multicast DNS for
// the given window. Candidates are unverified; callers filter them with
// FetchBridgeInfo and SupportsCLIP2.
func Discover(log *slog.Logger, window time.Duration) []Candidate {
	entries := make(chan *mdns.ServiceEntry, 8)
	done := make(chan struct{})

	go func() {
		defer close(done)
		err := mdns.Query(&mdns.QueryParam{
			Service:     mdnsService,
			Entries:     entries,
			Timeout:     window,
			DisableIPv6: true,
		})
		if err != nil {
			log.Warn("mdns query failed", slog.Any("error", err))
		}
	}()

	seen := make(map[string]bool)
	var candidates []Candidate
	add := func(entry *mdns.ServiceEntry) {
		if entry.AddrV4 == nil || seen[entry.AddrV4.String()] {
			return
		}
		addr := entry.AddrV4.String()
		seen[addr] = true

		candidates = append(candidates, Candidate{
			Addr: addr,
			Name: serviceInstanceName(entry.Name),
		})
		log.Debug("bridge candidate",
			slog.String("addr", addr),
			slog.String("name", entry.Name),
		)
	}

	for {
		select {
		case entry := <-entries:
			add(entry)
		case <-done:
			// Drain answers buffered before the query window closed.
			for {
				select {
				case entry := <-entries:
					add(entry)
				default:
					return candidates
				}
			}
		}
	}
}

// serviceInstanceName strips the service and domain suffix from an
// mDNS instance name ("Hue Bridge - 123ABC._hue._tcp.local." -> "Hue
// Bridge - 123ABC").
func serviceInstanceName(name string) string {
	if i := strings.Index(name, "."+mdnsService); i >= 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, "\\ ", " ")
}
