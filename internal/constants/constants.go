package constants

// Device creation defaults
const (
	// DefaultNrHwQueues is the default number of hardware queues
	DefaultNrHwQueues = 1

	// DefaultQueueDepth is the default I/O queue depth per queue
	DefaultQueueDepth = 256

	// DefaultMaxIOBufBytes is the default request buffer size in bytes (512KB)
	DefaultMaxIOBufBytes = 512 << 10

	// NewDeviceID asks the driver to pick the next free device id.
	// The driver reads it as -1.
	NewDeviceID = 0xFFFFFFFF
)

// Advertised maxima; option values are clamped to these.
const (
	MaxNrHwQueues = 32
	MaxQueueDepth = 1024
	MaxIOBufBytes = 1024 << 10
)

// Control session settings
const (
	// ControlRingEntries is the submission/completion ring size of a control session
	ControlRingEntries = 32

	// ControlDevicePath is the ublk control channel
	ControlDevicePath = "/dev/ublk-control"

	// MaxDeviceSweep bounds id sweeps done by the CLI when no id is given
	MaxDeviceSweep = 128
)

// Block parameter defaults used by the CLI when creating a device
const (
	DefaultLogicalBSShift  = 9
	DefaultPhysicalBSShift = 12
	DefaultIOOptShift      = 12
	DefaultIOMinShift      = 9

	// SectorShift converts bytes to 512-byte sectors
	SectorShift = 9
)
