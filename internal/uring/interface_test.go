package uring

import (
	"encoding/binary"
	"syscall"
	"testing"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ublkctl/internal/uapi"
)

func TestSQE128Layout(t *testing.T) {
	var sqe sqe128
	assert.Equal(t, uintptr(128), unsafe.Sizeof(sqe))
	assert.Equal(t, uintptr(4), unsafe.Offsetof(sqe.fd))
	assert.Equal(t, uintptr(8), unsafe.Offsetof(sqe.off))
	assert.Equal(t, uintptr(32), unsafe.Offsetof(sqe.userData))
	assert.Equal(t, uintptr(48), unsafe.Offsetof(sqe.cmd), "command area starts at addr3")
}

func TestPrepUringCmd(t *testing.T) {
	var payload [uapi.CmdDataSize]byte
	uapi.MarshalCtrlCmd(&uapi.UblksrvCtrlCmd{
		DevID:   3,
		QueueID: uapi.QueueIDIgnore,
		Len:     64,
		Addr:    0xC0FFEE,
	}, &payload)

	// Stale contents from a previous use of the slot must not survive.
	raw := make([]byte, 128)
	for i := range raw {
		raw[i] = 0xEE
	}
	sqe := (*sqe128)(unsafe.Pointer(&raw[0]))

	prepUringCmd(sqe, 0, uapi.UBLK_CMD_GET_DEV_INFO, &payload, 17)

	assert.Equal(t, byte(IORING_OP_URING_CMD), raw[0])
	assert.Equal(t, byte(IOSQE_FIXED_FILE), raw[1])
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(raw[4:8]), "fixed file slot")
	assert.Equal(t, uint64(uapi.UBLK_CMD_GET_DEV_INFO), binary.LittleEndian.Uint64(raw[8:16]))
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(raw[16:24]), "addr")
	assert.Equal(t, uint64(17), binary.LittleEndian.Uint64(raw[32:40]))
	assert.Equal(t, payload[:], raw[48:128])
}

// scriptedQueue completes every command with res, after failing the first
// submits and waits with the scripted errors
type scriptedQueue struct {
	sqe        [16]uint64 // one 128-byte entry
	noSQE      bool
	submitErrs []error
	waitErrs   []error
	res        int32

	submits int
	waits   int
	seen    int
}

func (q *scriptedQueue) GetSQE() *giouring.SubmissionQueueEntry {
	if q.noSQE {
		return nil
	}
	return (*giouring.SubmissionQueueEntry)(unsafe.Pointer(&q.sqe[0]))
}

func (q *scriptedQueue) SubmitAndWait(uint32) (uint, error) {
	q.submits++
	if len(q.submitErrs) > 0 {
		err := q.submitErrs[0]
		q.submitErrs = q.submitErrs[1:]
		return 0, err
	}
	return 1, nil
}

func (q *scriptedQueue) WaitCQE() (*giouring.CompletionQueueEvent, error) {
	q.waits++
	if len(q.waitErrs) > 0 {
		err := q.waitErrs[0]
		q.waitErrs = q.waitErrs[1:]
		return nil, err
	}
	// user_data sits at byte 32 of the entry
	return &giouring.CompletionQueueEvent{UserData: q.sqe[4], Res: q.res}, nil
}

func (q *scriptedQueue) CQESeen(*giouring.CompletionQueueEvent) { q.seen++ }

func (q *scriptedQueue) RegisterFiles(files []int) (uint, error) { return uint(len(files)), nil }

func (q *scriptedQueue) QueueExit() {}

func TestSubmitCmdWaitsThroughTransientErrors(t *testing.T) {
	tests := []struct {
		name       string
		submitErrs []error
		waitErrs   []error
	}{
		{"clean", nil, nil},
		{"interrupted submit", []error{syscall.EINTR}, nil},
		{"submit again", []error{syscall.EAGAIN, syscall.EBUSY}, nil},
		{"wait fails first", nil, []error{syscall.EBUSY}},
		{"wait interrupted twice", nil, []error{syscall.EINTR, syscall.EINTR}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &scriptedQueue{submitErrs: tt.submitErrs, waitErrs: tt.waitErrs, res: -int32(syscall.ENODEV)}
			r := &giouringRing{ring: q}

			var payload [uapi.CmdDataSize]byte
			comp, err := r.SubmitCmd(uapi.UBLK_CMD_GET_DEV_INFO, &payload, 42)
			require.NoError(t, err)
			assert.Equal(t, Completion{UserData: 42, Res: -int32(syscall.ENODEV)}, comp)
			assert.Equal(t, len(tt.submitErrs)+1, q.submits)
			assert.Equal(t, len(tt.waitErrs)+1, q.waits)
			assert.Equal(t, 1, q.seen)
		})
	}
}

func TestSubmitCmdNeverAbandonsQueuedCommand(t *testing.T) {
	var payload [uapi.CmdDataSize]byte

	q := &scriptedQueue{waitErrs: []error{syscall.EBADF}}
	r := &giouringRing{ring: q}
	assert.Panics(t, func() { _, _ = r.SubmitCmd(uapi.UBLK_CMD_GET_PARAMS, &payload, 1) })
	assert.Zero(t, q.seen)

	q = &scriptedQueue{submitErrs: []error{syscall.EINVAL}}
	r = &giouringRing{ring: q}
	assert.Panics(t, func() { _, _ = r.SubmitCmd(uapi.UBLK_CMD_GET_PARAMS, &payload, 1) })
	assert.Zero(t, q.waits)
}

func TestSubmitCmdNoFreeEntry(t *testing.T) {
	q := &scriptedQueue{noSQE: true}
	r := &giouringRing{ring: q}

	var payload [uapi.CmdDataSize]byte
	_, err := r.SubmitCmd(uapi.UBLK_CMD_GET_DEV_INFO, &payload, 1)
	assert.ErrorIs(t, err, ErrSubmissionQueueFull)
	assert.Zero(t, q.submits)
}

func TestRealRing(t *testing.T) {
	if err := SupportsFeatures(); err != nil {
		t.Skipf("io_uring with SQE128/CQE32 not available: %v", err)
	}

	ring, err := NewRing(Config{Entries: 4})
	require.NoError(t, err)
	require.NoError(t, ring.Close())
	// second close is a no-op
	require.NoError(t, ring.Close())
}

func BenchmarkPrepUringCmd(b *testing.B) {
	var payload [uapi.CmdDataSize]byte
	var sqe sqe128

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		prepUringCmd(&sqe, 0, uapi.UBLK_CMD_GET_DEV_INFO, &payload, uint64(i))
	}
}
