// Package ctrl implements the ublk control session: typed device operations
// carried as URING_CMD passthrough commands on /dev/ublk-control
package ctrl

import (
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublkctl/internal/constants"
	"github.com/ehrlich-b/go-ublkctl/internal/logging"
	"github.com/ehrlich-b/go-ublkctl/internal/uapi"
	"github.com/ehrlich-b/go-ublkctl/internal/uring"
)

// Observer receives one call per completed control command
type Observer interface {
	ObserveCommand(op uint32, latencyNs uint64, success bool)
}

// Controller is a control session. It owns one ring and the control fd and
// keeps at most one command in flight. A Controller is not safe for
// concurrent use.
type Controller struct {
	controlFd int
	ring      uring.Ring
	uniq      uint64
	useIoctl  bool
	logger    *logging.Logger
	observer  Observer
}

// NewController opens /dev/ublk-control and registers it with a new ring.
// Nothing is leaked when any step fails.
func NewController() (*Controller, error) {
	ring, err := uring.NewRing(uring.Config{Entries: constants.ControlRingEntries})
	if err != nil {
		return nil, newSetupError(err)
	}

	fd, err := unix.Open(constants.ControlDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		ring.Close()
		return nil, newSetupError(errors.Wrapf(err, "open %s", constants.ControlDevicePath))
	}

	if err := ring.RegisterFiles([]int{fd}); err != nil {
		ring.Close()
		unix.Close(fd)
		return nil, newSetupError(err)
	}

	return NewControllerWithRing(ring, fd), nil
}

// NewControllerWithRing builds a session over a ring that already has the
// control channel registered as fixed file 0. fd is closed by Close unless
// it is negative.
func NewControllerWithRing(ring uring.Ring, fd int) *Controller {
	return &Controller{
		controlFd: fd,
		ring:      ring,
		logger:    logging.Default(),
	}
}

// Close releases the ring and the control fd
func (c *Controller) Close() error {
	var err error
	if c.ring != nil {
		err = multierr.Append(err, c.ring.Close())
		c.ring = nil
	}
	if c.controlFd >= 0 {
		err = multierr.Append(err, unix.Close(c.controlFd))
		c.controlFd = -1
	}
	return err
}

func (c *Controller) SetLogger(logger *logging.Logger) {
	if logger == nil {
		logger = logging.Nop()
	}
	c.logger = logger
}

// SetObserver installs a command observer; nil removes it
func (c *Controller) SetObserver(o Observer) {
	c.observer = o
}

// SetIoctlEncode selects ioctl-encoded opcodes, required by kernels that
// only accept UBLK_F_CMD_IOCTL_ENCODE commands
func (c *Controller) SetIoctlEncode(enabled bool) {
	c.useIoctl = enabled
}

// RequestID returns the id of the most recently submitted command
func (c *Controller) RequestID() uint64 {
	return c.uniq
}

// submit bumps the request id and round-trips one command
func (c *Controller) submit(cmd ctrlCmd, buf []byte) error {
	if c.ring == nil {
		return &Error{Op: uapi.CommandName(cmd.op), DevID: cmd.devID, Code: ErrCodeIOError, Msg: "control session closed"}
	}

	if c.useIoctl {
		cmd.op = uapi.UblkCtrlCmd(cmd.op)
	}
	c.uniq++

	logger := c.logger.WithOp(uapi.CommandName(cmd.op))
	logger.Debug("submitting control command", "dev_id", cmd.devID, "request_id", c.uniq, "len", len(buf), "data", cmd.data)

	start := time.Now()
	res, err := cmd.submitAndWait(c.ring, c.uniq, buf)
	if c.observer != nil {
		c.observer.ObserveCommand(uapi.CommandNumber(cmd.op), uint64(time.Since(start).Nanoseconds()), err == nil)
	}

	if err != nil {
		logger.WithError(err).Debug("control command failed", "dev_id", cmd.devID, "request_id", c.uniq)
		return err
	}
	logger.Debug("control command completed", "dev_id", cmd.devID, "request_id", c.uniq, "result", res)
	return nil
}

// AddDevice creates a device. With the default NewDeviceID the driver
// assigns the id; a concrete id that is taken is rejected.
func (c *Controller) AddDevice(opts DeviceOptions) (DeviceInfo, error) {
	raw := encodeDevInfo(opts)
	buf := uapi.MarshalCtrlDevInfo(&raw)

	// The driver fails ADD_DEV when the command and record ids differ.
	if err := c.submit(newCtrlCmd(uapi.UBLK_CMD_ADD_DEV, opts.devID), buf); err != nil {
		return DeviceInfo{}, err
	}

	var out uapi.UblksrvCtrlDevInfo
	if err := uapi.UnmarshalCtrlDevInfo(buf, &out); err != nil {
		return DeviceInfo{}, wrapError(uapi.UBLK_CMD_ADD_DEV, opts.devID, err)
	}
	info := decodeDevInfo(&out)

	c.logger.WithDevice(info.DevID).Info("device added",
		"queues", info.NrHwQueues, "depth", info.QueueDepth, "max_io_buf", info.MaxIOBufBytes, "flags", info.Flags.String())
	return info, nil
}

// DeleteDevice removes a stopped device
func (c *Controller) DeleteDevice(devID uint32) error {
	return c.submit(newCtrlCmd(uapi.UBLK_CMD_DEL_DEV, devID), nil)
}

// StartDevice tells the driver which process services the device's queues
// and exposes /dev/ublkbN. The driver waits for every queue to be ready
// before completing it.
func (c *Controller) StartDevice(devID uint32, pid int32) error {
	return c.submit(newCtrlCmd(uapi.UBLK_CMD_START_DEV, devID).withData(uint64(pid)), nil)
}

// StopDevice removes /dev/ublkbN and tells the queue daemon to wind down
func (c *Controller) StopDevice(devID uint32) error {
	return c.submit(newCtrlCmd(uapi.UBLK_CMD_STOP_DEV, devID), nil)
}

// SetDeviceParameters updates block parameters. Live devices reject it with
// ErrCodeDeviceNotIdle.
func (c *Controller) SetDeviceParameters(devID uint32, params DeviceParams) error {
	raw := encodeParams(params)
	buf := uapi.MarshalParams(&raw)
	return c.submit(newCtrlCmd(uapi.UBLK_CMD_SET_PARAMS, devID), buf)
}

func (c *Controller) GetDeviceParameters(devID uint32) (DeviceParams, error) {
	// The driver reads len from the caller's record before filling it.
	buf := uapi.MarshalParams(&uapi.UblkParams{Len: uapi.ParamsSize})
	if err := c.submit(newCtrlCmd(uapi.UBLK_CMD_GET_PARAMS, devID), buf); err != nil {
		return DeviceParams{}, err
	}

	var raw uapi.UblkParams
	if err := uapi.UnmarshalParams(buf, &raw); err != nil {
		return DeviceParams{}, wrapError(uapi.UBLK_CMD_GET_PARAMS, devID, err)
	}
	return decodeParams(&raw), nil
}

// GetQueueAffinity returns the CPUs the driver maps to a hardware queue
func (c *Controller) GetQueueAffinity(devID uint32, queue uint16) (unix.CPUSet, error) {
	buf := make([]byte, uapi.CPUSetSize)
	if err := c.submit(newCtrlCmd(uapi.UBLK_CMD_GET_QUEUE_AFFINITY, devID).withData(uint64(queue)), buf); err != nil {
		return unix.CPUSet{}, err
	}
	return DecodeCPUSet(buf), nil
}

// GetAllQueuesAffinity queries queues 0..nrQueues-1 in order and stops at
// the first failure
func (c *Controller) GetAllQueuesAffinity(devID uint32, nrQueues uint16) ([]unix.CPUSet, error) {
	sets := make([]unix.CPUSet, 0, nrQueues)
	for q := uint16(0); q < nrQueues; q++ {
		set, err := c.GetQueueAffinity(devID, q)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func (c *Controller) GetDeviceInfo(devID uint32) (DeviceInfo, error) {
	buf := make([]byte, uapi.CtrlDevInfoSize)
	if err := c.submit(newCtrlCmd(uapi.UBLK_CMD_GET_DEV_INFO, devID), buf); err != nil {
		return DeviceInfo{}, err
	}

	var raw uapi.UblksrvCtrlDevInfo
	if err := uapi.UnmarshalCtrlDevInfo(buf, &raw); err != nil {
		return DeviceInfo{}, wrapError(uapi.UBLK_CMD_GET_DEV_INFO, devID, err)
	}
	return decodeDevInfo(&raw), nil
}
