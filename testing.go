package ublkctl

import (
	"github.com/ehrlich-b/go-ublkctl/internal/ctrl"
	"github.com/ehrlich-b/go-ublkctl/internal/ublksim"
)

// SimulatedDriver is an in-memory ublk control driver. It applies the same
// checks and errnos as the kernel driver and supports fault injection
// (SetSubmissionQueueFull, SkewNextUserData, FailNext).
type SimulatedDriver = ublksim.Driver

// SimulatorOption configures a SimulatedDriver
type SimulatorOption = ublksim.Option

var (
	// SimulatorCPUs sets the CPU count queue affinity is spread over
	SimulatorCPUs = ublksim.WithCPUs

	// SimulatorExtraFlags makes devices report feature bits unknown to
	// this package
	SimulatorExtraFlags = ublksim.WithExtraFlags
)

// NewSimulatedController returns a Controller backed by a SimulatedDriver
// instead of /dev/ublk-control. It needs neither root nor a ublk-capable
// kernel, which makes it useful for unit testing applications that manage
// ublk devices.
func NewSimulatedController(opts ...SimulatorOption) (*Controller, *SimulatedDriver) {
	drv := ublksim.New(opts...)
	// RegisterFiles only fails on an empty list or a closed driver
	_ = drv.RegisterFiles([]int{-1})
	return ctrl.NewControllerWithRing(drv, -1), drv
}
