//go:build linux

package netmap

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const fakeBufSize = 2048

// fakeRegion lays out a netmap_if, its rings and a buffer pool in plain
// memory, the way the kernel does in the shared region.
type fakeRegion struct {
	mem      []byte
	txRings  int
	rxRings  int
	slots    int
	ringOffs []int // tx rings incl. host, then rx rings incl. host
}

func align(n, a int) int { return (n + a - 1) / a * a }

func newFakeRegion(txRings, rxRings, slots int) *fakeRegion {
	total := txRings + 1 + rxRings + 1
	ifSize := align(ringOfsOffset+total*8, 256)
	ringStride := align(ringSlotsOffset+slots*int(unsafe.Sizeof(netmapSlot{})), 256)
	poolOff := ifSize + total*ringStride

	f := &fakeRegion{
		mem:     make([]byte, poolOff+total*slots*fakeBufSize),
		txRings: txRings,
		rxRings: rxRings,
		slots:   slots,
	}

	nifp := (*netmapIf)(unsafe.Pointer(&f.mem[0]))
	copy(nifp.Name[:], "fake0")
	nifp.TxRings = uint32(txRings)
	nifp.RxRings = uint32(rxRings)
	ofs := unsafe.Slice((*int64)(unsafe.Pointer(&f.mem[ringOfsOffset])), total)

	for i := range total {
		off := ifSize + i*ringStride
		f.ringOffs = append(f.ringOffs, off)
		ofs[i] = int64(off)

		r := f.hdr(i)
		r.NumSlots = uint32(slots)
		r.BufSize = fakeBufSize
		r.BufOfs = int64(poolOff - off)
		r.RingID = uint16(i)
		if i <= txRings {
			// The kernel hands all but one TX slot to userspace.
			r.Tail = uint32(slots - 1)
		} else {
			r.Dir = 1
		}
		st := f.slotTable(i)
		for j := range st {
			st[j].BufIdx = uint32(i*slots + j)
		}
	}
	return f
}

func (f *fakeRegion) hdr(table int) *netmapRing {
	return (*netmapRing)(unsafe.Pointer(&f.mem[f.ringOffs[table]]))
}

func (f *fakeRegion) slotTable(table int) []netmapSlot {
	p := unsafe.Pointer(&f.mem[f.ringOffs[table]+ringSlotsOffset])
	return unsafe.Slice((*netmapSlot)(p), f.slots)
}

func (f *fakeRegion) buf(table int, slot int) []byte {
	r := f.hdr(table)
	s := f.slotTable(table)[slot]
	start := f.ringOffs[table] + int(r.BufOfs) + int(s.BufIdx)*int(r.BufSize)
	return f.mem[start : start+int(r.BufSize)]
}

// ringOfs returns the netmap_if ring offset table.
func (f *fakeRegion) ringOfs() []int64 {
	p := unsafe.Pointer(&f.mem[ringOfsOffset])
	return unsafe.Slice((*int64)(p), len(f.ringOffs))
}

func (f *fakeRegion) txTable(i int) int { return i }

func (f *fakeRegion) hostTxTable() int { return f.txRings }

func (f *fakeRegion) rxTable(i int) int { return f.txRings + 1 + i }

func (f *fakeRegion) hostRxTable() int { return f.txRings + 1 + f.rxRings }

func (f *fakeRegion) cursor(table int) int { return int(f.hdr(table).Cur) }

// receive publishes packets on an RX ring as the kernel would.
func (f *fakeRegion) receive(table int, pkts ...[]byte) {
	r := f.hdr(table)
	for _, p := range pkts {
		slot := int(r.Tail)
		n := copy(f.buf(table, slot), p)
		f.slotTable(table)[slot].Len = uint16(n)
		r.Tail = uint32((slot + 1) % f.slots)
	}
}

// receiveN publishes n numbered packets.
func (f *fakeRegion) receiveN(table, n int) {
	for i := range n {
		f.receive(table, []byte(fmt.Sprintf("pkt-%d-%d", table, i)))
	}
}

// fakeKernel implements Kernel on top of a fakeRegion and records calls.
type fakeKernel struct {
	t      *testing.T
	region *fakeRegion

	openErrs    map[int]error // keyed by 1-based Open call number
	registerErr func(req *Request) error
	adjust      func(req *Request) // edits the kernel's reply
	mmapErr     error
	closeErr    error
	txSyncErr   error

	opens    int
	nextFD   int
	openFDs  map[int]bool
	requests []Request
	calls    []string
	mmaps    int
	munmaps  int
	closes   int
	txSyncs  int
}

func newFakeKernel(t *testing.T, region *fakeRegion) *fakeKernel {
	return &fakeKernel{
		t:       t,
		region:  region,
		nextFD:  3,
		openFDs: make(map[int]bool),
	}
}

var _ Kernel = (*fakeKernel)(nil)

func (k *fakeKernel) Open() (int, error) {
	k.opens++
	if err := k.openErrs[k.opens]; err != nil {
		k.calls = append(k.calls, "open!")
		return -1, err
	}
	fd := k.nextFD
	k.nextFD++
	k.openFDs[fd] = true
	k.calls = append(k.calls, fmt.Sprintf("open %d", fd))
	return fd, nil
}

func (k *fakeKernel) Register(fd int, req *Request) error {
	require.True(k.t, k.openFDs[fd], "register on closed fd %d", fd)
	k.requests = append(k.requests, *req)
	k.calls = append(k.calls, fmt.Sprintf("register %d %s cmd=%d", fd, req.IfName(), req.Cmd))
	if k.registerErr != nil {
		if err := k.registerErr(req); err != nil {
			return err
		}
	}
	if req.Cmd != CmdRegister {
		return nil
	}
	req.Offset = 0
	req.MemSize = uint32(len(k.region.mem))
	req.TxRings = uint16(k.region.txRings)
	req.RxRings = uint16(k.region.rxRings)
	req.TxSlots = uint32(k.region.slots)
	req.RxSlots = uint32(k.region.slots)
	if k.adjust != nil {
		k.adjust(req)
	}
	return nil
}

func (k *fakeKernel) Mmap(fd int, size int) ([]byte, error) {
	require.True(k.t, k.openFDs[fd], "mmap on closed fd %d", fd)
	k.calls = append(k.calls, fmt.Sprintf("mmap %d", fd))
	if k.mmapErr != nil {
		return nil, k.mmapErr
	}
	k.mmaps++
	if size > len(k.region.mem) {
		return k.region.mem, nil
	}
	return k.region.mem[:size:size], nil
}

func (k *fakeKernel) Munmap(mem []byte) error {
	k.calls = append(k.calls, "munmap")
	k.munmaps++
	require.LessOrEqual(k.t, k.munmaps, k.mmaps, "unmapping more than was mapped")
	return nil
}

func (k *fakeKernel) TxSync(fd int) error {
	require.True(k.t, k.openFDs[fd], "txsync on closed fd %d", fd)
	k.calls = append(k.calls, fmt.Sprintf("txsync %d", fd))
	if k.txSyncErr != nil {
		return k.txSyncErr
	}
	k.txSyncs++
	return nil
}

func (k *fakeKernel) Close(fd int) error {
	k.calls = append(k.calls, fmt.Sprintf("close %d", fd))
	if !k.openFDs[fd] {
		return unix.EBADF
	}
	k.closes++
	delete(k.openFDs, fd)
	return k.closeErr
}

// registrations returns the CmdRegister requests.
func (k *fakeKernel) registrations() []Request {
	var out []Request
	for _, r := range k.requests {
		if r.Cmd == CmdRegister {
			out = append(out, r)
		}
	}
	return out
}

// switchRequests returns the attach/detach requests.
func (k *fakeKernel) switchRequests() []Request {
	var out []Request
	for _, r := range k.requests {
		if r.Cmd != CmdRegister {
			out = append(out, r)
		}
	}
	return out
}

type fakeSub struct {
	fd     int
	fn     func()
	closed int
}

func (s *fakeSub) Close() error {
	s.closed++
	return nil
}

type fakeEvents struct {
	err  error
	subs []*fakeSub
}

func (e *fakeEvents) Subscribe(fd int, fn func()) (Subscription, error) {
	if e.err != nil {
		return nil, e.err
	}
	s := &fakeSub{fd: fd, fn: fn}
	e.subs = append(e.subs, s)
	return s, nil
}

type packet struct {
	iface string
	ring  int
	data  string
}

// recorder is a ProcessFunc and BridgeFunc that records calls.
type recorder struct {
	verdict   Verdict
	failAt    int // 1-based process call that fails, 0 never
	processed []packet
	bridged   []packet
	bridgeErr error
}

func (r *recorder) process(h *Interface, ring int, buf []byte) (Verdict, error) {
	r.processed = append(r.processed, packet{h.Name(), ring, string(buf)})
	if r.failAt == len(r.processed) {
		return Consumed, fmt.Errorf("bad packet %q", buf)
	}
	return r.verdict, nil
}

func (r *recorder) bridge(h *Interface, ring int, buf []byte) error {
	r.bridged = append(r.bridged, packet{h.Name(), ring, string(buf)})
	return r.bridgeErr
}

type countingSyncer struct{ calls int }

func (s *countingSyncer) SyncPending() { s.calls++ }
