//go:build linux

// Package netmap implements zero-copy packet ingestion on netmap interfaces.
// Interface owns the /dev/netmap descriptor, the shared memory region and
// the ring views pointing into it.
// Controller opens, registers, maps and tears down interfaces and drains
// their RX rings whenever the event source reports them readable.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: packets delivered from NIC (or host stack) to userspace.
//   - TX ring: slots userspace fills for the NIC (or host stack).
//   - Host ring: the extra ring pair connecting a NIC to the host stack.
//   - VALE: the in-kernel virtual switch; switch ports are software only.
package netmap

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrOpen            = errors.New("opening netmap device")
	ErrAlreadyOpen     = errors.New("interface already open")
	ErrRegister        = errors.New("registering interface")
	ErrMap             = errors.New("mapping netmap region")
	ErrSync            = errors.New("syncing tx rings")
	ErrBridge          = errors.New("virtual switch request")
	ErrProcess         = errors.New("processing packet")
	ErrNameTooLong     = errors.New("interface name too long")
	ErrRingOutOfBounds = errors.New("ring outside mapped region")
	ErrNegativeBurst   = errors.New("Burst must be >= 0")
)

// DevicePath is the netmap control device.
const DevicePath = "/dev/netmap"

// APIVersion is the legacy nmreq API version understood by the kernel.
const APIVersion = 11

// Registration modes (nr_flags).
const (
	RegAllNIC = 1
	RegSW     = 2
	RegNICSW  = 3
)

// Request commands (nr_cmd).
const (
	CmdRegister     = 0
	CmdBridgeAttach = 1
	CmdBridgeDetach = 2
)

const (
	// SwitchPortRings is the TX/RX ring count requested for switch ports.
	SwitchPortRings = 4

	// UplinkSuffix names the switch port this process attaches as.
	UplinkSuffix = "nmfwd0"

	ifNameSize = 16
)

// ioctl request numbers, linux encoding of
// _IOWR('i', 146, struct nmreq) and _IO('i', 148).
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

var (
	NIOCREGIF  = ioc(iocRead|iocWrite, 'i', 146, unsafe.Sizeof(Request{}))
	NIOCTXSYNC = ioc(0, 'i', 148, 0)
)

/*---- Kernel structs ----*/

// Request is struct nmreq from net/netmap.h (legacy API).
// The kernel fills in the region geometry on NIOCREGIF.
type Request struct {
	Name    [ifNameSize]byte
	Version uint32
	Offset  uint32
	MemSize uint32
	TxSlots uint32
	RxSlots uint32
	TxRings uint16
	RxRings uint16
	RingID  uint16
	Cmd     uint16
	Arg1    uint16
	Arg2    uint16
	Arg3    uint32
	Flags   uint32
	_       [1]uint32
}

// newRequest builds a request for name. The name must leave room for the
// terminating NUL the kernel expects.
func newRequest(name string, cmd uint16, flags uint32) (*Request, error) {
	if len(name) >= ifNameSize {
		return nil, fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	req := &Request{
		Version: APIVersion,
		Cmd:     cmd,
		Flags:   flags,
	}
	copy(req.Name[:], name)
	return req, nil
}

// IfName returns the NUL-terminated name as a string.
func (r *Request) IfName() string {
	for i, c := range r.Name {
		if c == 0 {
			return string(r.Name[:i])
		}
	}
	return string(r.Name[:])
}

/*---- Kernel access ----*/

// Kernel is the set of system calls the controller needs.
// SysKernel talks to the real device; tests substitute their own.
type Kernel interface {
	// Open opens a new control session on the netmap device.
	Open() (fd int, err error)
	// Register submits req via NIOCREGIF. The kernel updates req in place.
	Register(fd int, req *Request) error
	// Mmap maps size bytes of the region shared over fd.
	Mmap(fd int, size int) ([]byte, error)
	// Munmap releases a region returned by Mmap.
	Munmap(mem []byte) error
	// TxSync asks the kernel to publish filled TX slots (NIOCTXSYNC).
	TxSync(fd int) error
	// Close closes a descriptor returned by Open.
	Close(fd int) error
}

// SysKernel implements Kernel on top of /dev/netmap.
type SysKernel struct{}

var _ Kernel = SysKernel{}

func (SysKernel) Open() (int, error) {
	fd, err := unix.Open(DevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, &os.PathError{Op: "open", Path: DevicePath, Err: err}
	}
	return fd, nil
}

func (SysKernel) Register(fd int, req *Request) error {
	_, _, e := unix.Syscall(unix.SYS_IOCTL,
		uintptr(fd),
		NIOCREGIF,
		uintptr(unsafe.Pointer(req)),
	)
	if e != 0 {
		return os.NewSyscallError("ioctl NIOCREGIF", e)
	}
	return nil
}

func (SysKernel) Mmap(fd int, size int) ([]byte, error) {
	return unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (SysKernel) Munmap(mem []byte) error { return unix.Munmap(mem) }

func (SysKernel) TxSync(fd int) error {
	_, _, e := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), NIOCTXSYNC, 0)
	if e != 0 {
		return os.NewSyscallError("ioctl NIOCTXSYNC", e)
	}
	return nil
}

func (SysKernel) Close(fd int) error { return unix.Close(fd) }
