// Package ublksim is an in-memory stand-in for the ublk control driver. It
// implements uring.Ring and answers control commands with the same checks and
// errnos as drivers/block/ublk_drv.c, reading and writing the caller's
// buffers through the addresses carried in each command.
package ublksim

import (
	"encoding/binary"
	"sync"
	"syscall"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/ehrlich-b/go-ublkctl/internal/constants"
	"github.com/ehrlich-b/go-ublkctl/internal/logging"
	"github.com/ehrlich-b/go-ublkctl/internal/uapi"
	"github.com/ehrlich-b/go-ublkctl/internal/uring"
)

const (
	// supportedFlags mirrors UBLK_F_ALL of the simulated kernel
	supportedFlags = uapi.UBLK_F_SUPPORT_ZERO_COPY | uapi.UBLK_F_URING_CMD_COMP_IN_TASK | uapi.UBLK_F_NEED_GET_DATA

	pageShift = 12

	// paramsHeaderSize is the len+types prefix the driver reads first
	paramsHeaderSize = 8
)

var ErrClosed = errors.New("ublksim: ring closed")

// Command is a decoded submission, kept for inspection by tests
type Command struct {
	Op       uint32
	UserData uint64
	Header   uapi.UblksrvCtrlCmd
}

type device struct {
	info   uapi.UblksrvCtrlDevInfo
	params uapi.UblkParams
}

// Driver simulates /dev/ublk-control behind a ring
type Driver struct {
	mu         sync.Mutex
	devices    map[uint32]*device
	nrCPUs     int
	extraFlags uint64
	registered bool
	closed     bool
	logger     *logging.Logger

	// fault injection
	sqFull       bool
	skewUserData bool
	failNext     syscall.Errno
	forceResult  bool
	forcedRes    int32

	commands []Command
}

// Option configures a Driver
type Option func(*Driver)

// WithCPUs sets the number of CPUs queue affinity is spread over
func WithCPUs(n int) Option {
	return func(d *Driver) {
		d.nrCPUs = n
	}
}

// WithExtraFlags makes the driver report additional feature bits on every
// device, as a newer kernel would
func WithExtraFlags(bits uint64) Option {
	return func(d *Driver) {
		d.extraFlags = bits
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// New returns a driver with no devices. The control file still has to be
// registered, as with a real ring.
func New(opts ...Option) *Driver {
	d := &Driver{
		devices: make(map[uint32]*device),
		nrCPUs:  4,
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ uring.Ring = (*Driver)(nil)

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Driver) RegisterFiles(fds []int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if len(fds) == 0 {
		return syscall.EINVAL
	}
	d.registered = true
	return nil
}

// SetSubmissionQueueFull makes SubmitCmd fail as if no SQE were free
func (d *Driver) SetSubmissionQueueFull(full bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sqFull = full
}

// SkewNextUserData makes the next completion echo the wrong request id
func (d *Driver) SkewNextUserData() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.skewUserData = true
}

// FailNext makes the next command complete with -errno without being run
func (d *Driver) FailNext(errno syscall.Errno) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = errno
}

// ForceNextResult makes the next command complete with res without being run
func (d *Driver) ForceNextResult(res int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceResult = true
	d.forcedRes = res
}

// Commands returns every command submitted so far
func (d *Driver) Commands() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Command(nil), d.commands...)
}

// Closed reports whether the ring was closed
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// DeviceIDs returns the ids of all existing devices
func (d *Driver) DeviceIDs() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]uint32, 0, len(d.devices))
	for id := range d.devices {
		ids = append(ids, id)
	}
	return ids
}

func (d *Driver) SubmitCmd(op uint32, payload *[uapi.CmdDataSize]byte, userData uint64) (uring.Completion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return uring.Completion{}, ErrClosed
	}
	if d.sqFull {
		return uring.Completion{}, uring.ErrSubmissionQueueFull
	}

	var hdr uapi.UblksrvCtrlCmd
	if err := uapi.UnmarshalCtrlCmd(payload[:], &hdr); err != nil {
		return uring.Completion{}, err
	}
	d.commands = append(d.commands, Command{Op: op, UserData: userData, Header: hdr})

	comp := uring.Completion{UserData: userData}
	if d.skewUserData {
		d.skewUserData = false
		comp.UserData++
	}

	if d.forceResult {
		d.forceResult = false
		comp.Res = d.forcedRes
		return comp, nil
	}

	var errno syscall.Errno
	switch {
	case d.failNext != 0:
		errno = d.failNext
		d.failNext = 0
	case !d.registered:
		errno = syscall.EBADF
	default:
		errno = d.dispatch(uapi.CommandNumber(op), &hdr)
	}

	if errno != 0 {
		comp.Res = -int32(errno)
		d.logger.Debug("command rejected", "op", uapi.CommandName(op), "dev_id", hdr.DevID, "errno", int(errno))
	}
	return comp, nil
}

func (d *Driver) dispatch(op uint32, hdr *uapi.UblksrvCtrlCmd) syscall.Errno {
	if op == uapi.UBLK_CMD_ADD_DEV {
		return d.addDev(hdr)
	}

	dev, ok := d.devices[hdr.DevID]
	if !ok {
		switch op {
		case uapi.UBLK_CMD_GET_QUEUE_AFFINITY, uapi.UBLK_CMD_GET_DEV_INFO, uapi.UBLK_CMD_DEL_DEV,
			uapi.UBLK_CMD_START_DEV, uapi.UBLK_CMD_STOP_DEV, uapi.UBLK_CMD_SET_PARAMS, uapi.UBLK_CMD_GET_PARAMS:
			return syscall.ENODEV
		default:
			return syscall.EOPNOTSUPP
		}
	}

	switch op {
	case uapi.UBLK_CMD_GET_DEV_INFO:
		if hdr.Len < uapi.CtrlDevInfoSize || hdr.Addr == 0 {
			return syscall.EINVAL
		}
		copy(userBuffer(hdr.Addr, uapi.CtrlDevInfoSize), uapi.MarshalCtrlDevInfo(&dev.info))
		return 0
	case uapi.UBLK_CMD_DEL_DEV:
		delete(d.devices, hdr.DevID)
		return 0
	case uapi.UBLK_CMD_START_DEV:
		return d.startDev(dev, hdr)
	case uapi.UBLK_CMD_STOP_DEV:
		dev.info.State = uapi.UBLK_S_DEV_DEAD
		return 0
	case uapi.UBLK_CMD_SET_PARAMS:
		return d.setParams(dev, hdr)
	case uapi.UBLK_CMD_GET_PARAMS:
		return d.getParams(dev, hdr)
	case uapi.UBLK_CMD_GET_QUEUE_AFFINITY:
		return d.queueAffinity(dev, hdr)
	default:
		return syscall.EOPNOTSUPP
	}
}

func (d *Driver) addDev(hdr *uapi.UblksrvCtrlCmd) syscall.Errno {
	if hdr.Len < uapi.CtrlDevInfoSize || hdr.Addr == 0 {
		return syscall.EINVAL
	}
	if hdr.QueueID != uapi.QueueIDIgnore {
		return syscall.EINVAL
	}

	buf := userBuffer(hdr.Addr, uapi.CtrlDevInfoSize)
	var info uapi.UblksrvCtrlDevInfo
	if err := uapi.UnmarshalCtrlDevInfo(buf, &info); err != nil {
		return syscall.EFAULT
	}
	if info.DevID != hdr.DevID {
		return syscall.EINVAL
	}
	if info.QueueDepth == 0 || info.QueueDepth > constants.MaxQueueDepth ||
		info.NrHwQueues == 0 || info.NrHwQueues > constants.MaxNrHwQueues {
		return syscall.EINVAL
	}

	id := info.DevID
	if id == uapi.NewDevID {
		id = d.freeID()
	} else if _, taken := d.devices[id]; taken {
		return syscall.EEXIST
	}

	info.DevID = id
	info.State = uapi.UBLK_S_DEV_DEAD
	info.UblksrvPID = -1
	info.Flags = (info.Flags & supportedFlags) | d.extraFlags
	info.MaxIOBufBytes = min(info.MaxIOBufBytes, constants.MaxIOBufBytes)
	d.devices[id] = &device{info: info}

	copy(buf, uapi.MarshalCtrlDevInfo(&info))
	return 0
}

func (d *Driver) freeID() uint32 {
	var id uint32
	for {
		if _, taken := d.devices[id]; !taken {
			return id
		}
		id++
	}
}

func (d *Driver) startDev(dev *device, hdr *uapi.UblksrvCtrlCmd) syscall.Errno {
	pid := int32(hdr.Data[0])
	if pid <= 0 {
		return syscall.EINVAL
	}
	if dev.info.State == uapi.UBLK_S_DEV_LIVE {
		return syscall.EEXIST
	}
	if !dev.params.HasBasic() {
		return syscall.EINVAL
	}
	dev.info.UblksrvPID = pid
	dev.info.State = uapi.UBLK_S_DEV_LIVE
	return 0
}

// paramsLen reads the len prefix the caller wrote into its params record
func paramsLen(hdr *uapi.UblksrvCtrlCmd) (uint32, syscall.Errno) {
	if hdr.Len < paramsHeaderSize || hdr.Addr == 0 {
		return 0, syscall.EINVAL
	}
	n := binary.LittleEndian.Uint32(userBuffer(hdr.Addr, paramsHeaderSize))
	if n == 0 || n > uint32(hdr.Len) {
		return 0, syscall.EINVAL
	}
	return min(n, uapi.ParamsSize), 0
}

func (d *Driver) setParams(dev *device, hdr *uapi.UblksrvCtrlCmd) syscall.Errno {
	n, errno := paramsLen(hdr)
	if errno != 0 {
		return errno
	}
	if dev.info.State == uapi.UBLK_S_DEV_LIVE {
		return syscall.EACCES
	}

	raw := make([]byte, uapi.ParamsSize)
	copy(raw, userBuffer(hdr.Addr, int(n)))
	var params uapi.UblkParams
	if err := uapi.UnmarshalParams(raw, &params); err != nil {
		return syscall.EFAULT
	}

	if errno := d.validateParams(dev, &params); errno != 0 {
		dev.params.Types = 0
		return errno
	}
	params.Len = n
	dev.params = params
	return 0
}

func (d *Driver) validateParams(dev *device, p *uapi.UblkParams) syscall.Errno {
	if !p.HasBasic() {
		return syscall.EINVAL
	}
	b := &p.Basic
	if b.LogicalBSShift > pageShift || b.LogicalBSShift < constants.SectorShift {
		return syscall.EINVAL
	}
	if b.LogicalBSShift > b.PhysicalBSShift {
		return syscall.EINVAL
	}
	if b.MaxSectors > dev.info.MaxIOBufBytes>>constants.SectorShift {
		return syscall.EINVAL
	}
	if p.HasDiscard() && p.Discard.MaxDiscardSectors != 0 && p.Discard.DiscardGranularity == 0 {
		return syscall.EINVAL
	}
	return 0
}

func (d *Driver) getParams(dev *device, hdr *uapi.UblksrvCtrlCmd) syscall.Errno {
	n, errno := paramsLen(hdr)
	if errno != 0 {
		return errno
	}
	out := dev.params
	out.Len = n
	copy(userBuffer(hdr.Addr, int(n)), uapi.MarshalParams(&out)[:n])
	return 0
}

// queueAffinity spreads CPUs round-robin over the device's queues
func (d *Driver) queueAffinity(dev *device, hdr *uapi.UblksrvCtrlCmd) syscall.Errno {
	if int(hdr.Len)*8 < d.nrCPUs || hdr.Len%8 != 0 || hdr.Addr == 0 {
		return syscall.EINVAL
	}
	queue := hdr.Data[0]
	if queue >= uint64(dev.info.NrHwQueues) {
		return syscall.EINVAL
	}

	n := min(int(hdr.Len), uapi.CPUSetSize)
	buf := userBuffer(hdr.Addr, n)
	clear(buf)
	for cpu := 0; cpu < d.nrCPUs && cpu < n*8; cpu++ {
		if uint64(cpu)%uint64(dev.info.NrHwQueues) == queue {
			buf[cpu/8] |= 1 << (cpu % 8)
		}
	}
	return 0
}

// userBuffer views caller memory named by a command. The caller keeps the
// buffer pinned until the completion is returned.
func userBuffer(addr uint64, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}
