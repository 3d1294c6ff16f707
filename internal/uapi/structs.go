package uapi

import (
	"fmt"
	"unsafe"
)

// UblksrvCtrlCmd is the control command header placed in the SQE cmd area.
// It must match the kernel layout exactly (32 bytes):
//
//	struct ublksrv_ctrl_cmd {
//	  __u32 dev_id;    // target device, NewDevID on ADD_DEV for any id
//	  __u16 queue_id;  // QueueIDIgnore for control ops
//	  __u16 len;       // length of the buffer at addr
//	  __u64 addr;      // userspace buffer address (IN/OUT depending on op)
//	  __u64 data[2];   // inline payload (op-specific)
//	};
type UblksrvCtrlCmd struct {
	DevID   uint32
	QueueID uint16
	Len     uint16
	Addr    uint64
	Data    [2]uint64
}

var _ [CtrlCmdSize]byte = [unsafe.Sizeof(UblksrvCtrlCmd{})]byte{}

// UblksrvCtrlDevInfo mirrors struct ublksrv_ctrl_dev_info (64 bytes)
type UblksrvCtrlDevInfo struct {
	NrHwQueues    uint16 // number of hardware queues
	QueueDepth    uint16 // depth per queue
	State         uint16 // device state (UBLK_S_*)
	Pad0          uint16
	MaxIOBufBytes uint32 // max I/O buffer size
	DevID         uint32
	UblksrvPID    int32 // server process ID
	Pad1          uint32
	Flags         uint64    // feature flags (UBLK_F_*)
	Reserved      [4]uint64 // server-internal and reserved words
}

var _ [CtrlDevInfoSize]byte = [unsafe.Sizeof(UblksrvCtrlDevInfo{})]byte{}

// UblkParamBasic contains basic device parameters
type UblkParamBasic struct {
	Attrs            uint32 // attribute flags (UBLK_ATTR_*)
	LogicalBSShift   uint8
	PhysicalBSShift  uint8
	IOOptShift       uint8
	IOMinShift       uint8
	MaxSectors       uint32 // max sectors per request
	ChunkSectors     uint32
	DevSectors       uint64 // device size in sectors
	VirtBoundaryMask uint64
}

var _ [ParamBasicSize]byte = [unsafe.Sizeof(UblkParamBasic{})]byte{}

// UblkParamDiscard contains discard-related parameters
type UblkParamDiscard struct {
	DiscardAlignment      uint32
	DiscardGranularity    uint32
	MaxDiscardSectors     uint32
	MaxWriteZeroesSectors uint32
	MaxDiscardSegments    uint16
	Reserved0             uint16
}

var _ [ParamDiscardSize]byte = [unsafe.Sizeof(UblkParamDiscard{})]byte{}

// UblkParams is the SET_PARAMS/GET_PARAMS record.
//
// Len must be set by userspace for both commands; the driver may shrink it
// when both sides were built against different versions of the struct.
// Types is only checked on SET_PARAMS.
type UblkParams struct {
	Len     uint32
	Types   uint32
	Basic   UblkParamBasic
	Discard UblkParamDiscard
}

var _ [ParamsSize]byte = [unsafe.Sizeof(UblkParams{})]byte{}

// HasBasic returns true if basic parameters are included
func (p *UblkParams) HasBasic() bool {
	return (p.Types & UBLK_PARAM_TYPE_BASIC) != 0
}

// HasDiscard returns true if discard parameters are included
func (p *UblkParams) HasDiscard() bool {
	return (p.Types & UBLK_PARAM_TYPE_DISCARD) != 0
}

// SetBasic enables basic parameters
func (p *UblkParams) SetBasic() {
	p.Types |= UBLK_PARAM_TYPE_BASIC
}

// SetDiscard enables discard parameters
func (p *UblkParams) SetDiscard() {
	p.Types |= UBLK_PARAM_TYPE_DISCARD
}

// UblkDevicePath returns the path to the character device
func UblkDevicePath(devID uint32) string {
	return fmt.Sprintf("/dev/ublkc%d", devID)
}

// UblkBlockDevicePath returns the path to the block device
func UblkBlockDevicePath(devID uint32) string {
	return fmt.Sprintf("/dev/ublkb%d", devID)
}
