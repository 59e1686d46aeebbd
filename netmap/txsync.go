//go:build linux

package netmap

import "go.uber.org/zap"

// TxSyncer flushes TX rings that packet processing filled.
// SyncPending must be cheap when nothing is pending.
type TxSyncer interface {
	SyncPending()
}

var _ TxSyncer = (*Controller)(nil)

// SyncPending issues a TX sync on every open interface marked pending.
// Interfaces whose sync fails stay pending and are retried on the next call.
func (c *Controller) SyncPending() {
	for _, h := range c.ifaces {
		if !h.txPending {
			continue
		}
		if err := h.TxSync(); err != nil {
			c.log.Warn("tx sync", zap.String("iface", h.name), zap.Error(err))
		}
	}
}

// HostBridge is a BridgeFunc connecting a NIC with its host stack.
// Packets received on a hardware ring are queued on the host TX ring,
// packets from the host RX ring on a hardware TX ring. When the target
// ring is full the packet is dropped.
func HostBridge(h *Interface, ring int, buf []byte) error {
	var out *Ring
	if ring == h.NumRxRings() {
		if n := h.NumTxRings(); n > 0 {
			out = h.TxRing(ring % n)
		}
	} else {
		out = h.HostTxRing()
	}
	if out == nil {
		return nil
	}
	if out.Put(buf) {
		h.MarkTxPending()
	}
	return nil
}
