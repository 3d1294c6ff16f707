package ublkctl

import "github.com/ehrlich-b/go-ublkctl/internal/constants"

// Re-export constants for public API
const (
	NewDeviceID          = constants.NewDeviceID
	DefaultNrHwQueues    = constants.DefaultNrHwQueues
	DefaultQueueDepth    = constants.DefaultQueueDepth
	DefaultMaxIOBufBytes = constants.DefaultMaxIOBufBytes
	MaxNrHwQueues        = constants.MaxNrHwQueues
	MaxQueueDepth        = constants.MaxQueueDepth
	MaxIOBufBytes        = constants.MaxIOBufBytes
	ControlDevicePath    = constants.ControlDevicePath
	SectorShift          = constants.SectorShift
)
