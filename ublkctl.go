// Package ublkctl is a control-plane client for the Linux ublk driver.
//
// It adds, configures, starts, stops and removes userspace-backed block
// devices through URING_CMD passthrough commands on /dev/ublk-control, and
// queries their info, block parameters and queue CPU affinity. Serving I/O
// for a started device is left to a separate queue daemon.
//
// A Controller keeps at most one command in flight and blocks until the
// driver completes it:
//
//	c, err := ublkctl.Open()
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	info, err := c.AddDevice(ublkctl.NewDeviceOptions().WithNrHwQueues(2))
package ublkctl

import (
	"github.com/ehrlich-b/go-ublkctl/internal/ctrl"
	"github.com/ehrlich-b/go-ublkctl/internal/logging"
)

type (
	Controller         = ctrl.Controller
	DeviceOptions      = ctrl.DeviceOptions
	DeviceInfo         = ctrl.DeviceInfo
	DeviceState        = ctrl.DeviceState
	DeviceFlags        = ctrl.DeviceFlags
	DeviceAttr         = ctrl.DeviceAttr
	DeviceParams       = ctrl.DeviceParams
	DeviceParamDiscard = ctrl.DeviceParamDiscard
	Logger             = logging.Logger
)

const (
	StateDead = ctrl.StateDead
	StateLive = ctrl.StateLive

	FlagZeroCopy                  = ctrl.FlagZeroCopy
	FlagForceIouCmdCompleteInTask = ctrl.FlagForceIouCmdCompleteInTask
	FlagNeedGetData               = ctrl.FlagNeedGetData

	AttrReadOnly      = ctrl.AttrReadOnly
	AttrRotational    = ctrl.AttrRotational
	AttrVolatileCache = ctrl.AttrVolatileCache
	AttrFua           = ctrl.AttrFua
)

// Open starts a control session on /dev/ublk-control. It needs a kernel
// with the ublk_drv module loaded and io_uring SQE128 support, and usually
// CAP_SYS_ADMIN.
func Open() (*Controller, error) {
	return ctrl.NewController()
}

// NewDeviceOptions returns options for a device with a driver-assigned id
// and default queue geometry
func NewDeviceOptions() DeviceOptions {
	return ctrl.NewDeviceOptions()
}

func DeviceFlagsFromBits(bits uint64) DeviceFlags {
	return ctrl.DeviceFlagsFromBits(bits)
}

func DeviceAttrFromBits(bits uint32) DeviceAttr {
	return ctrl.DeviceAttrFromBits(bits)
}

// DecodeCPUSet converts a raw cpu_set_t bitmap
var DecodeCPUSet = ctrl.DecodeCPUSet

// CPUList returns the CPUs of a set below cores, ascending
var CPUList = ctrl.CPUList
