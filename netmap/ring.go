//go:build linux

package netmap

import (
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"
)

// netmapIf is the fixed part of struct netmap_if.
// It is followed by ring_ofs[], one int64 per ring, relative to the netmapIf.
type netmapIf struct {
	Name     [ifNameSize]byte
	Version  uint32
	Flags    uint32
	TxRings  uint32
	RxRings  uint32
	BufsHead uint32
	_        [5]uint32
}

// netmapRing is the header of struct netmap_ring up to and including ts.
// The slot table starts at ringSlotsOffset, after the cache aligned sem area.
type netmapRing struct {
	BufOfs   int64
	NumSlots uint32
	BufSize  uint32
	RingID   uint16
	Dir      uint16
	Head     uint32
	Cur      uint32
	Tail     uint32
	Flags    uint32
	_        uint32
	TsSec    int64
	TsUsec   int64
}

// netmapSlot is struct netmap_slot.
type netmapSlot struct {
	BufIdx uint32
	Len    uint16
	Flags  uint16
	Ptr    uint64
}

const (
	ringSlotsOffset = 256
	ringOfsOffset   = int(unsafe.Sizeof(netmapIf{}))
)

// Ring is a view over one netmap ring inside a mapped region.
// It does not own the memory and must not be used after the Interface
// that produced it was closed.
//
// WARNING: Ring is not safe for concurrent use.
type Ring struct {
	mem     []byte
	hdr     *netmapRing
	slots   []netmapSlot
	bufBase int // absolute offset of buffer 0 in mem
	bufSize int
}

// makeRing builds a Ring for the netmap_ring located at off in mem.
// All comparisons are arranged so kernel-supplied values cannot overflow.
func makeRing(mem []byte, off int) (*Ring, error) {
	if off < 0 || off%8 != 0 || off > len(mem)-ringSlotsOffset {
		return nil, fmt.Errorf("%w: ring at %d", ErrRingOutOfBounds, off)
	}
	base := unsafe.Pointer(&mem[0])
	hdr := (*netmapRing)(unsafe.Add(base, off))

	n := int(hdr.NumSlots)
	room := (len(mem) - off - ringSlotsOffset) / int(unsafe.Sizeof(netmapSlot{}))
	if n == 0 || n > room {
		return nil, fmt.Errorf("%w: %d slots at %d", ErrRingOutOfBounds, n, off)
	}

	// Slot lengths are 16 bit, larger buffers could not be described.
	if hdr.BufSize == 0 || hdr.BufSize > math.MaxUint16 {
		return nil, fmt.Errorf("%w: buffer size %d at %d", ErrRingOutOfBounds, hdr.BufSize, off)
	}
	size := int64(len(mem))
	if hdr.BufOfs < -size || hdr.BufOfs > size {
		return nil, fmt.Errorf("%w: buffer offset %d at %d", ErrRingOutOfBounds, hdr.BufOfs, off)
	}

	return &Ring{
		mem:     mem,
		hdr:     hdr,
		slots:   unsafe.Slice((*netmapSlot)(unsafe.Add(base, off+ringSlotsOffset)), n),
		bufBase: off + int(hdr.BufOfs),
		bufSize: int(hdr.BufSize),
	}, nil
}

// Len returns the number of slots in the ring.
func (r *Ring) Len() int { return len(r.slots) }

// Cursor returns the index of the next unconsumed slot.
func (r *Ring) Cursor() int { return int(atomic.LoadUint32(&r.hdr.Cur)) }

// Empty reports whether the cursor caught up with the kernel-published tail.
// On RX rings this means nothing to read, on TX rings nothing to fill.
func (r *Ring) Empty() bool {
	return atomic.LoadUint32(&r.hdr.Cur) == atomic.LoadUint32(&r.hdr.Tail)
}

// Slot returns the buffer of the slot at the cursor, limited to its length.
// The buffer points into the mapped region and is only valid until Advance.
// Slot returns nil if the slot references memory outside the region.
func (r *Ring) Slot() []byte {
	s, ok := r.current()
	if !ok {
		return nil
	}
	n := int(s.Len)
	if n > r.bufSize {
		return nil
	}
	return r.buf(s)[:n:n]
}

// Advance releases the slot at the cursor and moves to the next one.
func (r *Ring) Advance() {
	cur := atomic.LoadUint32(&r.hdr.Cur) + 1
	if cur >= uint32(len(r.slots)) {
		cur = 0
	}
	atomic.StoreUint32(&r.hdr.Head, cur)
	atomic.StoreUint32(&r.hdr.Cur, cur)
}

// Put copies p into the slot at the cursor of a TX ring and advances.
// p is truncated to the ring's buffer size. Put returns false if the
// ring has no free slot.
func (r *Ring) Put(p []byte) bool {
	if r.Empty() {
		return false
	}
	s, ok := r.current()
	if !ok {
		return false
	}
	n := copy(r.buf(s), p)
	s.Len = uint16(n)
	r.Advance()
	return true
}

func (r *Ring) current() (*netmapSlot, bool) {
	cur := atomic.LoadUint32(&r.hdr.Cur)
	if cur >= uint32(len(r.slots)) {
		return nil, false
	}
	s := &r.slots[cur]
	start := r.bufBase + int(s.BufIdx)*r.bufSize
	if start < 0 || start > len(r.mem)-r.bufSize {
		return nil, false
	}
	return s, true
}

// buf returns the full buffer of s. s must have passed current().
func (r *Ring) buf(s *netmapSlot) []byte {
	start := r.bufBase + int(s.BufIdx)*r.bufSize
	return r.mem[start : start+r.bufSize : start+r.bufSize]
}

// ringLayout holds the views parsed from a netmap_if.
type ringLayout struct {
	tx, rx         []*Ring
	hostTx, hostRx *Ring
}

// parseLayout locates the netmap_if at off and builds views for all
// hardware rings, plus the host ring pair when withHost is set.
func parseLayout(mem []byte, off int, withHost bool) (ringLayout, error) {
	var l ringLayout
	if off < 0 || off%8 != 0 || off > len(mem)-ringOfsOffset {
		return l, fmt.Errorf("%w: netmap_if at %d", ErrRingOutOfBounds, off)
	}
	nifp := (*netmapIf)(unsafe.Pointer(&mem[off]))
	txRings, rxRings := int(nifp.TxRings), int(nifp.RxRings)

	// The table always carries the host rings: tx[0..txRings], rx[0..rxRings].
	total := txRings + 1 + rxRings + 1
	if total > (len(mem)-off-ringOfsOffset)/8 {
		return l, fmt.Errorf("%w: ring table of %d entries", ErrRingOutOfBounds, total)
	}
	ofs := unsafe.Slice((*int64)(unsafe.Pointer(&mem[off+ringOfsOffset])), total)

	size := int64(len(mem))
	ring := func(i int) (*Ring, error) {
		if o := ofs[i]; o < -size || o > size {
			return nil, fmt.Errorf("%w: ring offset %d", ErrRingOutOfBounds, o)
		}
		return makeRing(mem, off+int(ofs[i]))
	}

	for i := range txRings {
		r, err := ring(i)
		if err != nil {
			return l, fmt.Errorf("tx ring %d: %w", i, err)
		}
		l.tx = append(l.tx, r)
	}
	for i := range rxRings {
		r, err := ring(txRings + 1 + i)
		if err != nil {
			return l, fmt.Errorf("rx ring %d: %w", i, err)
		}
		l.rx = append(l.rx, r)
	}
	if withHost {
		var err error
		if l.hostTx, err = ring(txRings); err != nil {
			return l, fmt.Errorf("host tx ring: %w", err)
		}
		if l.hostRx, err = ring(txRings + 1 + rxRings); err != nil {
			return l, fmt.Errorf("host rx ring: %w", err)
		}
	}
	return l, nil
}
