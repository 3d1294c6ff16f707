package ctrl

import (
	"fmt"
	"strings"

	"github.com/ehrlich-b/go-ublkctl/internal/constants"
	"github.com/ehrlich-b/go-ublkctl/internal/uapi"
)

// DeviceState is the driver-reported lifecycle state of a device
type DeviceState uint16

const (
	StateDead DeviceState = uapi.UBLK_S_DEV_DEAD
	StateLive DeviceState = uapi.UBLK_S_DEV_LIVE
)

func (s DeviceState) String() string {
	switch s {
	case StateDead:
		return "dead"
	case StateLive:
		return "live"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(s))
	}
}

// DeviceFlags are the feature flags negotiated when a device is added
type DeviceFlags uint64

const (
	FlagZeroCopy                  DeviceFlags = uapi.UBLK_F_SUPPORT_ZERO_COPY
	FlagForceIouCmdCompleteInTask DeviceFlags = uapi.UBLK_F_URING_CMD_COMP_IN_TASK
	FlagNeedGetData               DeviceFlags = uapi.UBLK_F_NEED_GET_DATA

	allDeviceFlags = FlagZeroCopy | FlagForceIouCmdCompleteInTask | FlagNeedGetData
)

// DeviceFlagsFromBits keeps only the flags this package knows about. Newer
// kernels may report bits we do not understand; they are dropped.
func DeviceFlagsFromBits(bits uint64) DeviceFlags {
	return DeviceFlags(bits) & allDeviceFlags
}

func (f DeviceFlags) Bits() uint64 {
	return uint64(f)
}

func (f DeviceFlags) Has(flag DeviceFlags) bool {
	return f&flag == flag
}

func (f DeviceFlags) String() string {
	return formatBits(uint64(f), []namedBit{
		{uint64(FlagZeroCopy), "zero_copy"},
		{uint64(FlagForceIouCmdCompleteInTask), "iou_cmd_comp_in_task"},
		{uint64(FlagNeedGetData), "need_get_data"},
	})
}

// DeviceAttr are block device attributes carried in the basic parameters
type DeviceAttr uint32

const (
	AttrReadOnly      DeviceAttr = uapi.UBLK_ATTR_READ_ONLY
	AttrRotational    DeviceAttr = uapi.UBLK_ATTR_ROTATIONAL
	AttrVolatileCache DeviceAttr = uapi.UBLK_ATTR_VOLATILE_CACHE
	AttrFua           DeviceAttr = uapi.UBLK_ATTR_FUA

	allDeviceAttrs = AttrReadOnly | AttrRotational | AttrVolatileCache | AttrFua
)

// DeviceAttrFromBits drops unknown attribute bits
func DeviceAttrFromBits(bits uint32) DeviceAttr {
	return DeviceAttr(bits) & allDeviceAttrs
}

func (a DeviceAttr) Bits() uint32 {
	return uint32(a)
}

func (a DeviceAttr) Has(attr DeviceAttr) bool {
	return a&attr == attr
}

func (a DeviceAttr) String() string {
	return formatBits(uint64(a), []namedBit{
		{uint64(AttrReadOnly), "read_only"},
		{uint64(AttrRotational), "rotational"},
		{uint64(AttrVolatileCache), "volatile_cache"},
		{uint64(AttrFua), "fua"},
	})
}

type namedBit struct {
	bit  uint64
	name string
}

func formatBits(v uint64, names []namedBit) string {
	var parts []string
	for _, n := range names {
		if v&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// DeviceOptions describes a device to add. Values are built with
// NewDeviceOptions and the With* setters, which clamp to the driver maxima.
type DeviceOptions struct {
	devID         uint32
	nrHwQueues    uint16
	queueDepth    uint16
	maxIOBufBytes uint32
	flags         DeviceFlags
}

// NewDeviceOptions returns options for a device with a driver-assigned id,
// one queue of depth 256 and a 512 KiB I/O buffer
func NewDeviceOptions() DeviceOptions {
	return DeviceOptions{
		devID:         constants.NewDeviceID,
		nrHwQueues:    constants.DefaultNrHwQueues,
		queueDepth:    constants.DefaultQueueDepth,
		maxIOBufBytes: constants.DefaultMaxIOBufBytes,
	}
}

// WithDeviceID requests a concrete device id. NewDeviceID lets the driver pick.
func (o DeviceOptions) WithDeviceID(id uint32) DeviceOptions {
	o.devID = id
	return o
}

func (o DeviceOptions) WithNrHwQueues(n uint16) DeviceOptions {
	o.nrHwQueues = min(n, constants.MaxNrHwQueues)
	return o
}

func (o DeviceOptions) WithQueueDepth(depth uint16) DeviceOptions {
	o.queueDepth = min(depth, constants.MaxQueueDepth)
	return o
}

func (o DeviceOptions) WithMaxIOBufBytes(n uint32) DeviceOptions {
	o.maxIOBufBytes = min(n, constants.MaxIOBufBytes)
	return o
}

func (o DeviceOptions) WithFlags(flags DeviceFlags) DeviceOptions {
	o.flags = flags
	return o
}

func (o DeviceOptions) DeviceID() uint32      { return o.devID }
func (o DeviceOptions) NrHwQueues() uint16    { return o.nrHwQueues }
func (o DeviceOptions) QueueDepth() uint16    { return o.queueDepth }
func (o DeviceOptions) MaxIOBufBytes() uint32 { return o.maxIOBufBytes }
func (o DeviceOptions) Flags() DeviceFlags    { return o.flags }

// DeviceInfo is the driver's view of a device
type DeviceInfo struct {
	DevID         uint32
	SrvPID        int32 // -1 until START_DEV names a server
	State         DeviceState
	NrHwQueues    uint16
	QueueDepth    uint16
	MaxIOBufBytes uint32
	Flags         DeviceFlags
}

// Active reports whether the device is live
func (d DeviceInfo) Active() bool {
	return d.State == StateLive
}

// CharPath returns the per-device character node serviced by the queue daemon
func (d DeviceInfo) CharPath() string {
	return uapi.UblkDevicePath(d.DevID)
}

// BlockPath returns the block device node exposed once the device is live
func (d DeviceInfo) BlockPath() string {
	return uapi.UblkBlockDevicePath(d.DevID)
}

// DeviceParamDiscard holds the optional discard limits
type DeviceParamDiscard struct {
	DiscardAlignment      uint32
	DiscardGranularity    uint32
	MaxDiscardSectors     uint32
	MaxWriteZeroesSectors uint32
	MaxDiscardSegments    uint16
}

// DeviceParams are the block-layer parameters of a device. The basic
// section is always present; Discard is nil when the device has no discard
// support.
type DeviceParams struct {
	Attrs            DeviceAttr
	LogicalBSShift   uint8
	PhysicalBSShift  uint8
	IOOptShift       uint8
	IOMinShift       uint8
	MaxSectors       uint32
	ChunkSectors     uint32
	DevSectors       uint64 // in 512-byte sectors
	VirtBoundaryMask uint64
	Discard          *DeviceParamDiscard
}

// LogicalBlockSize returns the logical block size in bytes
func (p DeviceParams) LogicalBlockSize() uint32 {
	return 1 << p.LogicalBSShift
}

// Size returns the device capacity in bytes
func (p DeviceParams) Size() uint64 {
	return p.DevSectors << constants.SectorShift
}
