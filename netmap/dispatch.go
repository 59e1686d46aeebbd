//go:build linux

package netmap

import (
	"fmt"

	"go.uber.org/zap"
)

// Verdict is the outcome of processing one packet.
type Verdict int

const (
	// Consumed means the packet was handled and its slot can be reused.
	Consumed Verdict = iota
	// ForwardToBridge hands the packet to the BridgeFunc, which passes
	// it between the NIC and the host stack.
	ForwardToBridge
)

// ProcessFunc handles one received packet. buf points into the mapped
// region and must not be retained after the call returns.
// A non-nil error aborts the current drain.
type ProcessFunc func(h *Interface, ring int, buf []byte) (Verdict, error)

// BridgeFunc passes a packet between a NIC and its host stack.
// A non-nil error aborts the current drain.
type BridgeFunc func(h *Interface, ring int, buf []byte) error

// StopReason tells why a drain ended.
type StopReason int

const (
	// StopDrained means every scanned ring was empty.
	StopDrained StopReason = iota
	// StopBurst means the burst limit was reached.
	StopBurst
	// StopError means processing or bridging a packet failed.
	StopError
)

func (r StopReason) String() string {
	switch r {
	case StopDrained:
		return "drained"
	case StopBurst:
		return "burst"
	case StopError:
		return "error"
	}
	return fmt.Sprintf("StopReason(%d)", int(r))
}

// DrainResult summarizes one Drain call.
type DrainResult struct {
	Packets int
	Reason  StopReason
	Err     error
}

// Drain consumes packets from the RX rings of h, hardware rings first and
// the host ring last, until all are empty, Burst packets were processed
// or a packet fails. Each visited slot is released exactly once.
// Afterwards the TxSyncer is signaled since processing may have filled TX
// rings of any interface.
func (c *Controller) Drain(h *Interface) DrainResult {
	res := c.scan(h)
	c.sync.SyncPending()

	if res.Reason != StopDrained {
		c.log.Debug("drain stopped early",
			zap.String("iface", h.name),
			zap.Int("packets", res.Packets),
			zap.Stringer("reason", res.Reason),
			zap.Error(res.Err),
		)
	}
	return res
}

func (c *Controller) scan(h *Interface) DrainResult {
	bridging := c.hostRing(h)
	rings := h.NumRxRings()
	if bridging && h.HostRxRing() != nil {
		rings++
	}

	var pkts int
	for ri := range rings {
		r := h.rxRing(ri)
		for !r.Empty() {
			buf := r.Slot()
			v, err := c.process(h, ri, buf)
			if err == nil && v == ForwardToBridge && bridging {
				err = c.bridge(h, ri, buf)
			}
			r.Advance()
			pkts++

			if err != nil {
				return DrainResult{
					Packets: pkts,
					Reason:  StopError,
					Err:     fmt.Errorf("%w: %s ring %d: %w", ErrProcess, h.name, ri, err),
				}
			}
			if pkts == c.conf.Burst {
				return DrainResult{Packets: pkts, Reason: StopBurst}
			}
		}
	}
	return DrainResult{Packets: pkts, Reason: StopDrained}
}
