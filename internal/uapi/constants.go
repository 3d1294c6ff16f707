// Package uapi provides Linux kernel UAPI definitions for the ublk control path
package uapi

// Control commands (legacy encoding, the raw opcode is the command number)
const (
	UBLK_CMD_GET_QUEUE_AFFINITY = 0x01
	UBLK_CMD_GET_DEV_INFO       = 0x02
	UBLK_CMD_ADD_DEV            = 0x04
	UBLK_CMD_DEL_DEV            = 0x05
	UBLK_CMD_START_DEV          = 0x06
	UBLK_CMD_STOP_DEV           = 0x07
	UBLK_CMD_SET_PARAMS         = 0x08
	UBLK_CMD_GET_PARAMS         = 0x09
)

// Feature flags (64-bit) negotiated at ADD_DEV
const (
	UBLK_F_SUPPORT_ZERO_COPY      = 1 << 0 // Zero copy with 4k blocks
	UBLK_F_URING_CMD_COMP_IN_TASK = 1 << 1 // Force task_work completion
	UBLK_F_NEED_GET_DATA          = 1 << 2 // Two-phase write support
)

// Device states
const (
	UBLK_S_DEV_DEAD = 0
	UBLK_S_DEV_LIVE = 1
)

// Device attribute flags (ublk_param_basic.attrs)
const (
	UBLK_ATTR_READ_ONLY      = 1 << 0
	UBLK_ATTR_ROTATIONAL     = 1 << 1
	UBLK_ATTR_VOLATILE_CACHE = 1 << 2
	UBLK_ATTR_FUA            = 1 << 3
)

// Parameter type flags (ublk_params.types)
const (
	UBLK_PARAM_TYPE_BASIC   = 1 << 0 // mandatory on SET_PARAMS
	UBLK_PARAM_TYPE_DISCARD = 1 << 1
)

// Special ids
const (
	// NewDevID asks the driver to allocate a device id, read as -1 by the kernel
	NewDevID = 0xFFFFFFFF

	// QueueIDIgnore marks a command that does not target a queue, read as (u16)-1
	QueueIDIgnore = 0xFFFF
)

// Record sizes
const (
	// CmdDataSize is the inline command area of a 128-byte SQE
	CmdDataSize = 80

	CtrlCmdSize      = 32
	CtrlDevInfoSize  = 64
	ParamBasicSize   = 32
	ParamDiscardSize = 20

	// ParamsSize includes 4 bytes of tail padding (8-byte struct alignment)
	ParamsSize = 64

	// CPUSetSize matches glibc cpu_set_t (1024 CPUs)
	CPUSetSize = 128
	CPUSetBits = CPUSetSize * 8
)

// ioctl encoding constants
const (
	_IOC_WRITE     = 1
	_IOC_READ      = 2
	_IOC_SIZEBITS  = 14
	_IOC_DIRBITS   = 2
	_IOC_TYPEBITS  = 8
	_IOC_NRBITS    = 8
	_IOC_NRSHIFT   = 0
	_IOC_TYPESHIFT = _IOC_NRSHIFT + _IOC_NRBITS
	_IOC_SIZESHIFT = _IOC_TYPESHIFT + _IOC_TYPEBITS
	_IOC_DIRSHIFT  = _IOC_SIZESHIFT + _IOC_SIZEBITS

	_IOC_NRMASK   = (1 << _IOC_NRBITS) - 1
	_IOC_TYPEMASK = (1 << _IOC_TYPEBITS) - 1

	ublkIoctlType = 'u'
)

// IoctlEncode creates an ioctl command number
func IoctlEncode(dir, typ, nr, size uint32) uint32 {
	return (dir << _IOC_DIRSHIFT) |
		(size << _IOC_SIZESHIFT) |
		(typ << _IOC_TYPESHIFT) |
		(nr << _IOC_NRSHIFT)
}

// UblkCtrlCmd returns the ioctl-encoded form of a control command,
// accepted by kernels advertising UBLK_F_CMD_IOCTL_ENCODE
func UblkCtrlCmd(cmd uint32) uint32 {
	return IoctlEncode(_IOC_READ|_IOC_WRITE, ublkIoctlType, cmd, CtrlCmdSize)
}

// CommandNumber strips ioctl encoding from an opcode. Legacy opcodes are
// returned unchanged.
func CommandNumber(op uint32) uint32 {
	if (op>>_IOC_TYPESHIFT)&_IOC_TYPEMASK == ublkIoctlType {
		return op & _IOC_NRMASK
	}
	return op
}

// CommandName returns the kernel name of a control command
func CommandName(op uint32) string {
	switch CommandNumber(op) {
	case UBLK_CMD_GET_QUEUE_AFFINITY:
		return "GET_QUEUE_AFFINITY"
	case UBLK_CMD_GET_DEV_INFO:
		return "GET_DEV_INFO"
	case UBLK_CMD_ADD_DEV:
		return "ADD_DEV"
	case UBLK_CMD_DEL_DEV:
		return "DEL_DEV"
	case UBLK_CMD_START_DEV:
		return "START_DEV"
	case UBLK_CMD_STOP_DEV:
		return "STOP_DEV"
	case UBLK_CMD_SET_PARAMS:
		return "SET_PARAMS"
	case UBLK_CMD_GET_PARAMS:
		return "GET_PARAMS"
	default:
		return "UNKNOWN"
	}
}
