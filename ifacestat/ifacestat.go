//go:build linux

// Package ifacestat counts packets passing through netmap interfaces.
package ifacestat

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/romshark/netmap-fwd-go/netmap"
)

type Counter int

const (
	RxPackets Counter = iota
	RxBytes
	BridgedPackets
	BridgedBytes
	Errors

	numCounters
)

func (c Counter) String() string {
	switch c {
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case BridgedPackets:
		return "bridged_packets"
	case BridgedBytes:
		return "bridged_bytes"
	case Errors:
		return "errors"
	}
	return ""
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Collector accumulates counters from wrapped process and bridge funcs.
// Counting happens on the event loop goroutine, Snapshot may be called
// from any goroutine.
type Collector struct {
	mu     sync.Mutex
	ifaces map[string]*counters
}

type counters [numCounters]atomic.Uint64

func NewCollector() *Collector {
	return &Collector{ifaces: make(map[string]*counters)}
}

func (c *Collector) lookup(iface string) *counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctrs, ok := c.ifaces[iface]
	if !ok {
		ctrs = new(counters)
		c.ifaces[iface] = ctrs
	}
	return ctrs
}

// cache resolves the counters of an interface. Only the first packet of
// each interface takes the Collector's lock.
// Not safe for concurrent use, like the funcs it serves.
type cache struct {
	c     *Collector
	last  *netmap.Interface
	ctrs  *counters
	known map[*netmap.Interface]*counters
}

func (c *Collector) newCache() *cache {
	return &cache{c: c, known: make(map[*netmap.Interface]*counters)}
}

func (k *cache) get(h *netmap.Interface) *counters {
	if h == k.last {
		return k.ctrs
	}
	ctrs, ok := k.known[h]
	if !ok {
		ctrs = k.c.lookup(h.Name())
		k.known[h] = ctrs
	}
	k.last, k.ctrs = h, ctrs
	return ctrs
}

// Process wraps fn, counting every received packet and failure.
// The returned func must be called from a single goroutine.
func (c *Collector) Process(fn netmap.ProcessFunc) netmap.ProcessFunc {
	k := c.newCache()
	return func(h *netmap.Interface, ring int, buf []byte) (netmap.Verdict, error) {
		ctrs := k.get(h)
		ctrs[RxPackets].Add(1)
		ctrs[RxBytes].Add(uint64(len(buf)))
		v, err := fn(h, ring, buf)
		if err != nil {
			ctrs[Errors].Add(1)
		}
		return v, err
	}
}

// Bridge wraps fn, counting every packet handed to the bridge.
// The returned func must be called from a single goroutine.
func (c *Collector) Bridge(fn netmap.BridgeFunc) netmap.BridgeFunc {
	k := c.newCache()
	return func(h *netmap.Interface, ring int, buf []byte) error {
		ctrs := k.get(h)
		err := fn(h, ring, buf)
		if err != nil {
			ctrs[Errors].Add(1)
			return err
		}
		ctrs[BridgedPackets].Add(1)
		ctrs[BridgedBytes].Add(uint64(len(buf)))
		return nil
	}
}

// Snapshot returns the current counter values of all interfaces.
func (c *Collector) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := make(Stats, len(c.ifaces))
	for iface, ctrs := range c.ifaces {
		vals := make(IfaceStats, numCounters)
		for ctr := range numCounters {
			vals[ctr] = ctrs[ctr].Load()
		}
		s[iface] = vals
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

// Total sums a counter over all interfaces.
func (s Stats) Total(ctr Counter) uint64 {
	var n uint64
	for _, st := range s {
		n += st[ctr]
	}
	return n
}

func Print(w io.Writer, s Stats) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		rxPkts := stats[RxPackets]
		rxBytes := stats[RxBytes]
		brPkts := stats[BridgedPackets]
		brBytes := stats[BridgedBytes]

		if _, err := fmt.Fprintf(w, "%s :\n", iface); err != nil {
			return err
		}
		fmt.Fprintf(w, "  RX      %-12d  ≈ %-8s (%s)\n",
			rxPkts, humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		)
		fmt.Fprintf(w, "  BRIDGE  %-12d  ≈ %-8s (%s)\n",
			brPkts, humanize.Bytes(brBytes), humanize.Comma(int64(brBytes)),
		)
		fmt.Fprintf(w, "  ERRORS  %d\n", stats[Errors])
	}

	return nil
}
