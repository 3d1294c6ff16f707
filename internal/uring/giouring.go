package uring

import (
	"sync"
	"syscall"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/pawelgaczynski/giouring"

	"github.com/ehrlich-b/go-ublkctl/internal/logging"
	"github.com/ehrlich-b/go-ublkctl/internal/uapi"
)

// Minimal subset of include/uapi/linux/io_uring.h
const (
	IORING_OP_URING_CMD = 46

	IORING_SETUP_SQE128 = 1 << 10
	IORING_SETUP_CQE32  = 1 << 11

	IOSQE_FIXED_FILE = 1 << 0
)

// sqe128 is the 128-byte SQE layout used by URING_CMD. The 80-byte command
// area overlaps addr3 and the second half of the entry.
type sqe128 struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64 // cmd_op in the low 32 bits
	addr        uint64
	len         uint32
	opcodeFlags uint32
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	cmd         [uapi.CmdDataSize]byte
}

var _ [128]byte = [unsafe.Sizeof(sqe128{})]byte{}

// prepUringCmd fills a whole 128-byte SQE for a passthrough command on a
// registered file
func prepUringCmd(sqe *sqe128, fixedFile int32, op uint32, payload *[uapi.CmdDataSize]byte, userData uint64) {
	*sqe = sqe128{
		opcode:   IORING_OP_URING_CMD,
		flags:    IOSQE_FIXED_FILE,
		fd:       fixedFile,
		off:      uint64(op),
		userData: userData,
		cmd:      *payload,
	}
}

// queue is the part of giouring.Ring a control session drives
type queue interface {
	GetSQE() *giouring.SubmissionQueueEntry
	SubmitAndWait(waitNr uint32) (uint, error)
	WaitCQE() (*giouring.CompletionQueueEvent, error)
	CQESeen(cqe *giouring.CompletionQueueEvent)
	RegisterFiles(files []int) (uint, error)
	QueueExit()
}

// giouringRing implements Ring on top of pawelgaczynski/giouring
type giouringRing struct {
	ring      queue
	closeOnce sync.Once
}

func newGiouringRing(entries uint32) (*giouringRing, error) {
	ring := giouring.NewRing()
	if err := ring.QueueInit(entries, IORING_SETUP_SQE128|IORING_SETUP_CQE32); err != nil {
		return nil, errors.Wrapf(err, "io_uring_setup(entries=%d)", entries)
	}
	return &giouringRing{ring: ring}, nil
}

func (r *giouringRing) Close() error {
	r.closeOnce.Do(func() {
		r.ring.QueueExit()
	})
	return nil
}

func (r *giouringRing) RegisterFiles(fds []int) error {
	if _, err := r.ring.RegisterFiles(fds); err != nil {
		return errors.Wrap(err, "io_uring_register(REGISTER_FILES)")
	}
	return nil
}

func (r *giouringRing) SubmitCmd(op uint32, payload *[uapi.CmdDataSize]byte, userData uint64) (Completion, error) {
	entry := r.ring.GetSQE()
	if entry == nil {
		return Completion{}, ErrSubmissionQueueFull
	}
	prepUringCmd((*sqe128)(unsafe.Pointer(entry)), 0, op, payload, userData)

	logging.Default().Debug("submitting URING_CMD", "cmd_op", op, "user_data", userData)

	// Queued: the driver may use the command's buffer until the completion
	// is reaped, so nothing below returns without it.
	for {
		_, err := r.ring.SubmitAndWait(1)
		if err == nil {
			break
		}
		if !transient(err) {
			panic(errors.Wrapf(err, "io_uring_enter with control command %d queued", userData))
		}
	}

	for {
		cqe, err := r.ring.WaitCQE()
		if err != nil {
			if transient(err) {
				continue
			}
			panic(errors.Wrapf(err, "waiting for control command %d", userData))
		}
		c := Completion{UserData: cqe.UserData, Res: cqe.Res}
		r.ring.CQESeen(cqe)
		return c, nil
	}
}

// transient reports io_uring_enter failures that leave the ring usable.
// Signals interrupt the wait; EAGAIN and EBUSY mean the kernel is short of
// resources or completion space.
func transient(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EBUSY)
}
