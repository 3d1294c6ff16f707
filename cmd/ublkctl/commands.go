package main

import (
	"math"
	"math/bits"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/urfave/cli"

	"github.com/ehrlich-b/go-ublkctl"
	"github.com/ehrlich-b/go-ublkctl/internal/constants"
	"github.com/ehrlich-b/go-ublkctl/internal/logging"
)

var deviceIDFlag = cli.UintFlag{
	Name:  "device-id",
	Usage: "ublk device id",
}

// withController opens a control session for one command
func withController(c *cli.Context, fn func(*ublkctl.Controller) error) error {
	ctrl, err := openController()
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctrl.SetIoctlEncode(c.GlobalBool("ioctl-encode"))
	return fn(ctrl)
}

func requireDeviceID(c *cli.Context) (uint32, error) {
	if !c.IsSet("device-id") {
		return 0, errors.New("--device-id is required")
	}
	return uint32(c.Uint("device-id")), nil
}

// parseSize accepts human sizes such as 512K or 250G
func parseSize(flag, value string) (int64, error) {
	n, err := units.RAMInBytes(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid --%s", flag)
	}
	if n < 0 {
		return 0, errors.Newf("invalid --%s: negative size", flag)
	}
	return n, nil
}

// parseSectors parses a byte size that must be a whole number of sectors
// and at most maxSectors of them
func parseSectors(flag, value string, maxSectors uint64) (uint64, error) {
	n, err := parseSize(flag, value)
	if err != nil {
		return 0, err
	}
	if n%(1<<constants.SectorShift) != 0 {
		return 0, errors.Newf("invalid --%s: %s is not a multiple of %d bytes", flag, value, 1<<constants.SectorShift)
	}
	sectors := uint64(n) >> constants.SectorShift
	if sectors > maxSectors {
		return 0, errors.Newf("invalid --%s: %s exceeds %d sectors", flag, value, maxSectors)
	}
	return sectors, nil
}

// parseShift converts a power-of-two byte size into a shift
func parseShift(flag, value string) (uint8, error) {
	n, err := parseSize(flag, value)
	if err != nil {
		return 0, err
	}
	if n == 0 || n&(n-1) != 0 {
		return 0, errors.Newf("invalid --%s: %s is not a power of two", flag, value)
	}
	return uint8(bits.TrailingZeros64(uint64(n))), nil
}

func AddCmd() cli.Command {
	return cli.Command{
		Name:  "add",
		Usage: "add a new ublk device and give it example parameters",
		Flags: []cli.Flag{
			cli.UintFlag{
				Name:  "device-id",
				Usage: "requested device id [default: driver assigned]",
			},
			cli.UintFlag{
				Name:  "num-queues",
				Value: constants.DefaultNrHwQueues,
			},
			cli.UintFlag{
				Name:  "queue-depth",
				Value: constants.DefaultQueueDepth,
			},
			cli.StringFlag{
				Name:  "max-io-buf-size",
				Value: units.BytesSize(constants.DefaultMaxIOBufBytes),
			},
			cli.StringFlag{
				Name:  "size",
				Value: "250GiB",
				Usage: "device size set through the example parameters",
			},
			cli.BoolFlag{
				Name: "zero-copy",
			},
			cli.BoolFlag{
				Name: "iou-comp-in-task",
			},
			cli.BoolFlag{
				Name: "need-get-data",
			},
		},
		Action: addDevice,
	}
}

func addDevice(c *cli.Context) error {
	maxIOBuf, err := parseSize("max-io-buf-size", c.String("max-io-buf-size"))
	if err != nil {
		return err
	}
	devSectors, err := parseSectors("size", c.String("size"), math.MaxUint64)
	if err != nil {
		return err
	}

	var flags ublkctl.DeviceFlags
	if c.Bool("zero-copy") {
		flags |= ublkctl.FlagZeroCopy
	}
	if c.Bool("iou-comp-in-task") {
		flags |= ublkctl.FlagForceIouCmdCompleteInTask
	}
	if c.Bool("need-get-data") {
		flags |= ublkctl.FlagNeedGetData
	}

	opts := ublkctl.NewDeviceOptions().
		WithNrHwQueues(uint16(min(c.Uint("num-queues"), constants.MaxNrHwQueues))).
		WithQueueDepth(uint16(min(c.Uint("queue-depth"), constants.MaxQueueDepth))).
		WithMaxIOBufBytes(uint32(min(maxIOBuf, constants.MaxIOBufBytes))).
		WithFlags(flags)
	if c.IsSet("device-id") {
		opts = opts.WithDeviceID(uint32(c.Uint("device-id")))
	}

	return withController(c, func(ctrl *ublkctl.Controller) error {
		info, err := ctrl.AddDevice(opts)
		if err != nil {
			return err
		}

		out := c.App.Writer
		printHeader(out, "New Device")
		printDeviceInfo(out, info)

		params := ublkctl.DeviceParams{
			LogicalBSShift:  constants.DefaultLogicalBSShift,
			PhysicalBSShift: constants.DefaultPhysicalBSShift,
			IOOptShift:      constants.DefaultIOOptShift,
			IOMinShift:      constants.DefaultIOMinShift,
			MaxSectors:      info.MaxIOBufBytes >> constants.SectorShift,
			DevSectors:      devSectors,
		}
		return ctrl.SetDeviceParameters(info.DevID, params)
	})
}

func RemoveCmd() cli.Command {
	return cli.Command{
		Name:  "rm",
		Usage: "remove a ublk device [default: every device]",
		Flags: []cli.Flag{
			deviceIDFlag,
		},
		Action: removeDevice,
	}
}

func removeDevice(c *cli.Context) error {
	return withController(c, func(ctrl *ublkctl.Controller) error {
		if c.IsSet("device-id") {
			return ctrl.DeleteDevice(uint32(c.Uint("device-id")))
		}

		for id := uint32(0); id < constants.MaxDeviceSweep; id++ {
			if err := ctrl.DeleteDevice(id); err == nil {
				logging.Info("removed device", "dev_id", id)
			}
		}
		return nil
	})
}

func StartCmd() cli.Command {
	return cli.Command{
		Name:  "start",
		Usage: "start a device serviced by the given process",
		Flags: []cli.Flag{
			deviceIDFlag,
			cli.IntFlag{
				Name:  "pid",
				Usage: "queue daemon pid [default: this process]",
			},
		},
		Action: startDevice,
	}
}

func startDevice(c *cli.Context) error {
	id, err := requireDeviceID(c)
	if err != nil {
		return err
	}
	pid := int32(os.Getpid())
	if c.IsSet("pid") {
		pid = int32(c.Int("pid"))
	}

	return withController(c, func(ctrl *ublkctl.Controller) error {
		return ctrl.StartDevice(id, pid)
	})
}

func StopCmd() cli.Command {
	return cli.Command{
		Name:  "stop",
		Usage: "stop a live device",
		Flags: []cli.Flag{
			deviceIDFlag,
		},
		Action: stopDevice,
	}
}

func stopDevice(c *cli.Context) error {
	id, err := requireDeviceID(c)
	if err != nil {
		return err
	}
	return withController(c, func(ctrl *ublkctl.Controller) error {
		return ctrl.StopDevice(id)
	})
}

func SetParamsCmd() cli.Command {
	return cli.Command{
		Name:  "set-params",
		Usage: "set block parameters of a device that is not live",
		Flags: []cli.Flag{
			deviceIDFlag,
			cli.StringFlag{
				Name:  "size",
				Usage: "device size",
			},
			cli.StringFlag{
				Name:  "logical-block-size",
				Value: "512",
			},
			cli.StringFlag{
				Name:  "physical-block-size",
				Value: "4KiB",
			},
			cli.StringFlag{
				Name:  "max-io-size",
				Usage: "largest request [default: the device's I/O buffer size]",
			},
			cli.StringFlag{
				Name:  "discard-granularity",
				Usage: "enable discard with this granularity",
			},
			cli.BoolFlag{Name: "read-only"},
			cli.BoolFlag{Name: "rotational"},
			cli.BoolFlag{Name: "volatile-cache"},
			cli.BoolFlag{Name: "fua"},
		},
		Action: setParams,
	}
}

func setParams(c *cli.Context) error {
	id, err := requireDeviceID(c)
	if err != nil {
		return err
	}
	if !c.IsSet("size") {
		return errors.New("--size is required")
	}
	devSectors, err := parseSectors("size", c.String("size"), math.MaxUint64)
	if err != nil {
		return err
	}
	lbs, err := parseShift("logical-block-size", c.String("logical-block-size"))
	if err != nil {
		return err
	}
	pbs, err := parseShift("physical-block-size", c.String("physical-block-size"))
	if err != nil {
		return err
	}

	var attrs ublkctl.DeviceAttr
	if c.Bool("read-only") {
		attrs |= ublkctl.AttrReadOnly
	}
	if c.Bool("rotational") {
		attrs |= ublkctl.AttrRotational
	}
	if c.Bool("volatile-cache") {
		attrs |= ublkctl.AttrVolatileCache
	}
	if c.Bool("fua") {
		attrs |= ublkctl.AttrFua
	}

	params := ublkctl.DeviceParams{
		Attrs:           attrs,
		LogicalBSShift:  lbs,
		PhysicalBSShift: pbs,
		IOOptShift:      pbs,
		IOMinShift:      lbs,
		DevSectors:      devSectors,
	}

	if c.IsSet("discard-granularity") {
		granularity, err := parseSize("discard-granularity", c.String("discard-granularity"))
		if err != nil {
			return err
		}
		if granularity > math.MaxUint32 {
			return errors.Newf("invalid --discard-granularity: %s does not fit 32 bits", c.String("discard-granularity"))
		}
		params.Discard = &ublkctl.DeviceParamDiscard{
			DiscardGranularity: uint32(granularity),
			MaxDiscardSectors:  uint32(min(params.DevSectors, 0xFFFFFFFF)),
			MaxDiscardSegments: 1,
		}
	}

	var maxSectors uint64
	if c.IsSet("max-io-size") {
		if maxSectors, err = parseSectors("max-io-size", c.String("max-io-size"), math.MaxUint32); err != nil {
			return err
		}
	}

	return withController(c, func(ctrl *ublkctl.Controller) error {
		if !c.IsSet("max-io-size") {
			info, err := ctrl.GetDeviceInfo(id)
			if err != nil {
				return err
			}
			maxSectors = uint64(info.MaxIOBufBytes >> constants.SectorShift)
		}
		params.MaxSectors = uint32(maxSectors)

		return ctrl.SetDeviceParameters(id, params)
	})
}

func InfoCmd() cli.Command {
	return cli.Command{
		Name:  "info",
		Usage: "show ublk device info [default: every device]",
		Flags: []cli.Flag{
			deviceIDFlag,
			cli.BoolFlag{
				Name:  "params",
				Usage: "show device parameters",
			},
			cli.BoolFlag{
				Name:  "affinity",
				Usage: "show queue cpu affinity",
			},
		},
		Action: showInfo,
	}
}

func showInfo(c *cli.Context) error {
	return withController(c, func(ctrl *ublkctl.Controller) error {
		if c.IsSet("device-id") {
			return showDevice(c, ctrl, uint32(c.Uint("device-id")))
		}

		for id := uint32(0); id < constants.MaxDeviceSweep; id++ {
			if err := showDevice(c, ctrl, id); err != nil && !ublkctl.IsCode(err, ublkctl.ErrCodeDeviceNotFound) {
				logging.Debug("skipping device", "dev_id", id, "error", err)
			}
		}
		return nil
	})
}

func showDevice(c *cli.Context, ctrl *ublkctl.Controller, id uint32) error {
	info, err := ctrl.GetDeviceInfo(id)
	if err != nil {
		return err
	}

	out := c.App.Writer
	printHeader(out, "Device Info")
	printDeviceInfo(out, info)

	if c.Bool("params") {
		params, err := ctrl.GetDeviceParameters(id)
		if err != nil {
			return err
		}
		printHeader(out, "Parameters")
		printDeviceParams(out, params)
	}

	if c.Bool("affinity") {
		sets, err := ctrl.GetAllQueuesAffinity(id, info.NrHwQueues)
		if err != nil {
			return err
		}
		printHeader(out, "Affinity")
		printAffinity(out, sets, numCPU())
	}
	return nil
}
