// Package uring provides the io_uring submission/completion path used by the
// ublk control session
package uring

import (
	"github.com/cockroachdb/errors"

	"github.com/ehrlich-b/go-ublkctl/internal/logging"
	"github.com/ehrlich-b/go-ublkctl/internal/uapi"
)

// ErrSubmissionQueueFull is returned when no SQE slot is free. A control
// session keeps at most one command in flight, so seeing it means the ring
// was misused.
var ErrSubmissionQueueFull = errors.New("io_uring submission queue full")

// Ring provides the io_uring operations needed by a control session
type Ring interface {
	// Close releases the ring
	Close() error

	// RegisterFiles registers fds as fixed files; slot i refers to fds[i]
	RegisterFiles(fds []int) error

	// SubmitCmd pushes one URING_CMD targeting fixed file 0 with the given
	// command opcode and 80-byte inline payload, submits it and blocks until
	// one completion is reaped. An error means the command was never queued;
	// once queued it returns only with its completion and panics if the ring
	// fails before that.
	SubmitCmd(op uint32, payload *[uapi.CmdDataSize]byte, userData uint64) (Completion, error)
}

// Completion is a reaped completion queue entry
type Completion struct {
	UserData uint64
	Res      int32
}

// Config contains configuration for creating a ring
type Config struct {
	Entries uint32 // Number of SQ entries; the CQ gets the kernel default
}

// NewRing creates a ring with 128-byte SQEs and 32-byte CQEs
func NewRing(config Config) (Ring, error) {
	logger := logging.Default()
	logger.Debug("creating io_uring", "entries", config.Entries)

	ring, err := newGiouringRing(config.Entries)
	if err != nil {
		logger.Error("failed to create io_uring", "error", err)
		return nil, err
	}

	logger.Debug("created io_uring", "entries", config.Entries)
	return ring, nil
}

// SupportsFeatures checks that the running kernel can create a ring with the
// SQE128/CQE32 layout required for URING_CMD passthrough
func SupportsFeatures() error {
	ring, err := newGiouringRing(1)
	if err != nil {
		return errors.Wrap(err, "io_uring with SQE128/CQE32 unavailable")
	}
	return ring.Close()
}
