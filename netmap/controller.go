//go:build linux

package netmap

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"
)

const DefaultBurst = 1024

// Config controls packet draining and ring registration.
type Config struct {
	// Burst is the maximum number of packets processed per readiness
	// event, across all rings of an interface.
	Burst int
	// NoHostRing disables the host stack ring pair. Packets are then
	// never handed to the bridge callback.
	NoHostRing bool
	// Logger receives lifecycle and diagnostics output.
	Logger *zap.Logger
	// TxSync is signaled after every drain. Defaults to the Controller,
	// which syncs all open interfaces with pending TX slots.
	TxSync TxSyncer
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Burst < 0 {
		return ErrNegativeBurst
	}
	if c.Burst == 0 {
		c.Burst = DefaultBurst
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Controller opens and closes netmap interfaces and drains their RX rings.
// All methods must be called from the goroutine running the EventSource.
type Controller struct {
	conf    Config
	log     *zap.Logger
	kernel  Kernel
	events  EventSource
	process ProcessFunc
	bridge  BridgeFunc
	sync    TxSyncer

	// open interfaces, in open order.
	ifaces []*Interface
}

// NewController returns a Controller. bridge may be nil, in which case
// HostBridge is used.
func NewController(
	conf Config,
	kernel Kernel,
	events EventSource,
	process ProcessFunc,
	bridge BridgeFunc,
) (*Controller, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	switch {
	case kernel == nil:
		return nil, errors.New("nil kernel")
	case events == nil:
		return nil, errors.New("nil event source")
	case process == nil:
		return nil, errors.New("nil process func")
	}
	if bridge == nil {
		bridge = HostBridge
	}

	c := &Controller{
		conf:    conf,
		log:     conf.Logger.Named("netmap"),
		kernel:  kernel,
		events:  events,
		process: process,
		bridge:  bridge,
		sync:    conf.TxSync,
	}
	if c.sync == nil {
		c.sync = c
	}
	return c, nil
}

// Interfaces returns the currently open interfaces.
func (c *Controller) Interfaces() []*Interface { return slices.Clone(c.ifaces) }

// hostRing reports whether the host ring pair participates for h.
func (c *Controller) hostRing(h *Interface) bool {
	return !c.conf.NoHostRing && h.mode != ModeSwitchPort
}

// Open registers h with the kernel, maps its rings and subscribes it for
// read readiness. On failure h is closed again before Open returns.
func (c *Controller) Open(h *Interface) error {
	if h.m.fd >= 0 || h.attached {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, h.name)
	}

	regName := h.name
	flags := uint32(RegNICSW)
	if !c.hostRing(h) {
		flags = RegAllNIC
	}
	if h.mode == ModeSwitchPort {
		regName = uplinkName(h.name)
	}
	req, err := newRequest(regName, CmdRegister, flags)
	if err != nil {
		return err
	}
	if h.mode == ModeSwitchPort {
		req.TxRings, req.RxRings = SwitchPortRings, SwitchPortRings
	}

	fail := func(err error) error {
		if cerr := c.Close(h); cerr != nil {
			c.log.Warn("rollback after failed open",
				zap.String("iface", h.name), zap.Error(cerr))
		}
		return err
	}

	if h.mode == ModeSwitchPort {
		// Attach the NIC to the switch before registering our uplink port.
		if err := c.Attach(switchName(h.name)); err != nil {
			return fail(err)
		}
		h.attached = true
	}

	fd, err := c.kernel.Open()
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrOpen, err))
	}
	h.m.fd = fd
	h.kernel = c.kernel

	if err := c.kernel.Register(fd, req); err != nil {
		return fail(fmt.Errorf("%w: %s: %w", ErrRegister, regName, err))
	}
	c.log.Debug("registered",
		zap.Int("fd", fd),
		zap.String("name", req.IfName()),
		zap.Uint32("version", req.Version),
		zap.Uint32("offset", req.Offset),
		zap.Uint32("memsize", req.MemSize),
		zap.Uint32("tx_slots", req.TxSlots),
		zap.Uint32("rx_slots", req.RxSlots),
		zap.Uint16("tx_rings", req.TxRings),
		zap.Uint16("rx_rings", req.RxRings),
		zap.Uint16("ringid", req.RingID),
		zap.Uint32("flags", req.Flags),
	)

	if req.MemSize == 0 {
		return fail(fmt.Errorf("%w: %s: kernel reported empty region", ErrMap, regName))
	}
	mem, err := c.kernel.Mmap(fd, int(req.MemSize))
	if err != nil {
		return fail(fmt.Errorf("%w: %s: %w", ErrMap, regName, err))
	}
	h.m.mem = mem

	layout, err := parseLayout(mem, int(req.Offset), c.hostRing(h))
	if err != nil {
		return fail(fmt.Errorf("%w: %s: %w", ErrMap, regName, err))
	}
	h.m.layout = layout

	sub, err := c.events.Subscribe(fd, func() { c.Drain(h) })
	if err != nil {
		return fail(fmt.Errorf("subscribing %s: %w", h.name, err))
	}
	h.sub = sub

	c.ifaces = append(c.ifaces, h)
	c.log.Info("opened",
		zap.String("iface", h.name),
		zap.Stringer("mode", h.mode),
		zap.Int("rx_rings", h.NumRxRings()),
		zap.Int("tx_rings", h.NumTxRings()),
		zap.Bool("host_ring", layout.hostRx != nil),
	)
	return nil
}

// Close unsubscribes h, unmaps its region, closes its descriptor and
// detaches it from the switch, in that order. Close releases only what
// was acquired and may be called any number of times.
func (c *Controller) Close(h *Interface) error {
	if i := slices.Index(c.ifaces, h); i >= 0 {
		c.ifaces = slices.Delete(c.ifaces, i, i+1)
	}

	if h.sub != nil {
		if err := h.sub.Close(); err != nil {
			c.log.Warn("unsubscribing", zap.String("iface", h.name), zap.Error(err))
		}
		h.sub = nil
	}

	if len(h.m.mem) > 0 {
		if err := c.kernel.Munmap(h.m.mem); err != nil {
			c.log.Warn("unmapping", zap.String("iface", h.name), zap.Error(err))
		}
	}
	h.m.mem = nil
	h.m.layout = ringLayout{}
	h.txPending = false

	var err error
	if h.m.fd >= 0 {
		fd := h.m.fd
		// The descriptor is invalid after close(2) even if it reports an
		// error, so it is never closed twice.
		h.m.fd = -1
		if cerr := c.kernel.Close(fd); cerr != nil {
			err = fmt.Errorf("closing %s: %w", h.name, cerr)
		}
	}

	// The switch membership outlives the descriptor, so detach runs even
	// when close failed.
	if h.attached {
		h.attached = false
		if derr := c.Detach(switchName(h.name)); derr != nil {
			c.log.Warn("detaching from switch",
				zap.String("iface", h.name), zap.Error(derr))
		}
	}

	if err == nil {
		c.log.Debug("closed", zap.String("iface", h.name))
	}
	return err
}

// CloseAll closes every open interface in reverse open order.
func (c *Controller) CloseAll() error {
	var errs []error
	for _, h := range slices.Backward(c.Interfaces()) {
		if err := c.Close(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
