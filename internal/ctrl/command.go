package ctrl

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/ehrlich-b/go-ublkctl/internal/uapi"
	"github.com/ehrlich-b/go-ublkctl/internal/uring"
)

// ctrlCmd is a control command before any buffer is attached. A buffer can
// only be supplied to submitAndWait, which keeps it pinned until the
// command's completion has been reaped.
type ctrlCmd struct {
	op    uint32
	devID uint32
	data  uint64
}

func newCtrlCmd(op uint32, devID uint32) ctrlCmd {
	return ctrlCmd{op: op, devID: devID}
}

// withData sets the first inline scratch word
func (c ctrlCmd) withData(v uint64) ctrlCmd {
	c.data = v
	return c
}

// payload renders the 80-byte inline command for buf; a nil or empty buf
// leaves addr and len zero
func (c ctrlCmd) payload(buf []byte) [uapi.CmdDataSize]byte {
	hdr := uapi.UblksrvCtrlCmd{
		DevID:   c.devID,
		QueueID: uapi.QueueIDIgnore,
		Data:    [2]uint64{c.data, 0},
	}
	if len(buf) > 0 {
		hdr.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
		hdr.Len = uint16(len(buf))
	}

	var area [uapi.CmdDataSize]byte
	uapi.MarshalCtrlCmd(&hdr, &area)
	return area
}

// submitAndWait round-trips the command through ring with buf attached and
// returns the completion result. The driver reads from and writes into buf
// while the command is in flight.
func (c ctrlCmd) submitAndWait(ring uring.Ring, userData uint64, buf []byte) (int32, error) {
	if len(buf) > 0 {
		var pinner runtime.Pinner
		pinner.Pin(&buf[0])
		defer pinner.Unpin()
	}

	area := c.payload(buf)
	comp, err := ring.SubmitCmd(c.op, &area, userData)
	if err != nil {
		return 0, wrapError(c.op, c.devID, err)
	}

	if comp.UserData != userData {
		panic(fmt.Sprintf("ublk: completion for request %d while waiting for %d", comp.UserData, userData))
	}

	switch {
	case comp.Res < 0:
		return comp.Res, newErrnoError(c.op, c.devID, syscall.Errno(-comp.Res))
	case comp.Res > 0:
		// control commands complete with 0 or -errno
		return comp.Res, &Error{
			Op:    uapi.CommandName(c.op),
			DevID: c.devID,
			Code:  ErrCodeIOError,
			Msg:   fmt.Sprintf("unexpected completion result %d", comp.Res),
		}
	}
	return 0, nil
}
