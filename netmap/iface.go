//go:build linux

package netmap

import (
	"fmt"
	"strings"
)

// Mode selects how an Interface is registered.
type Mode int

const (
	// ModeHardware registers a NIC directly.
	ModeHardware Mode = iota
	// ModeSwitchPort attaches the NIC to a VALE switch and registers
	// a software uplink port on the same switch.
	ModeSwitchPort
)

func (m Mode) String() string {
	switch m {
	case ModeHardware:
		return "hardware"
	case ModeSwitchPort:
		return "switch-port"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Subscription is a persistent read subscription held by an Interface.
type Subscription interface {
	Close() error
}

// EventSource delivers read readiness for descriptors.
// fn must be invoked on a single goroutine, the same one that opens and
// closes interfaces.
type EventSource interface {
	Subscribe(fd int, fn func()) (Subscription, error)
}

// EventSourceFunc adapts a function to EventSource.
type EventSourceFunc func(fd int, fn func()) (Subscription, error)

func (f EventSourceFunc) Subscribe(fd int, fn func()) (Subscription, error) {
	return f(fd, fn)
}

// mapping bundles the resources acquired by a successful registration.
// They are released together, in reverse order, by Controller.Close.
type mapping struct {
	fd     int
	mem    []byte
	layout ringLayout
}

// Interface is a netmap-backed network interface.
//
// WARNING: Interface is not safe for concurrent use.
type Interface struct {
	name string
	mode Mode

	m mapping

	// txPending is set by packet processing after filling TX slots
	// and cleared by a successful TxSync.
	txPending bool

	// attached is set while the NIC is a member of a VALE switch.
	attached bool

	sub    Subscription
	kernel Kernel
}

// NewInterface returns an unopened Interface. For ModeSwitchPort, name has
// the form "<switch>:<port>"; the part before the first ':' is attached to
// the switch.
func NewInterface(name string, mode Mode) *Interface {
	return &Interface{
		name: name,
		mode: mode,
		m:    mapping{fd: -1},
	}
}

// Name returns the configured interface name.
func (i *Interface) Name() string { return i.name }

// Mode returns the registration mode.
func (i *Interface) Mode() Mode { return i.mode }

// FD returns the netmap descriptor or -1 if the interface is not open.
func (i *Interface) FD() int { return i.m.fd }

// MemSize returns the size of the mapped region, 0 if unmapped.
func (i *Interface) MemSize() int { return len(i.m.mem) }

// IsOpen reports whether the interface is registered and mapped.
func (i *Interface) IsOpen() bool { return i.m.fd >= 0 && len(i.m.mem) > 0 }

// NumRxRings returns the number of hardware RX rings.
func (i *Interface) NumRxRings() int { return len(i.m.layout.rx) }

// NumTxRings returns the number of hardware TX rings.
func (i *Interface) NumTxRings() int { return len(i.m.layout.tx) }

// RxRing returns hardware RX ring n.
func (i *Interface) RxRing(n int) *Ring { return i.m.layout.rx[n] }

// TxRing returns hardware TX ring n.
func (i *Interface) TxRing(n int) *Ring { return i.m.layout.tx[n] }

// HostRxRing returns the host stack RX ring, nil if not registered.
func (i *Interface) HostRxRing() *Ring { return i.m.layout.hostRx }

// HostTxRing returns the host stack TX ring, nil if not registered.
func (i *Interface) HostTxRing() *Ring { return i.m.layout.hostTx }

// rxRing returns RX ring n where n == NumRxRings() is the host ring.
func (i *Interface) rxRing(n int) *Ring {
	if n == len(i.m.layout.rx) {
		return i.m.layout.hostRx
	}
	return i.m.layout.rx[n]
}

// MarkTxPending records that TX slots were filled and a sync is due.
func (i *Interface) MarkTxPending() { i.txPending = true }

// TxPending reports whether a TX sync is due.
func (i *Interface) TxPending() bool { return i.txPending }

// TxSync asks the kernel to transmit filled TX slots and clears the
// pending flag on success.
func (i *Interface) TxSync() error {
	if i.m.fd < 0 || i.kernel == nil {
		return fmt.Errorf("%w: %s: not open", ErrSync, i.name)
	}
	if err := i.kernel.TxSync(i.m.fd); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSync, i.name, err)
	}
	i.txPending = false
	return nil
}

// uplinkName returns the switch port name registered for a switch
// attachment: the switch part of name followed by UplinkSuffix.
func uplinkName(name string) string {
	return switchName(name) + ":" + UplinkSuffix
}

// switchName returns name up to, excluding, its first ':'.
// Names without a ':' are returned unchanged.
func switchName(name string) string {
	sw, _, _ := strings.Cut(name, ":")
	return sw
}
