package uapi

import (
	"encoding/binary"
	"math/bits"
)

// MarshalError is returned when a byte slice cannot hold a record
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
)

// MarshalCtrlCmd writes the 32-byte command header into the start of an
// 80-byte SQE command area. The remaining bytes are zeroed.
func MarshalCtrlCmd(cmd *UblksrvCtrlCmd, dst *[CmdDataSize]byte) {
	*dst = [CmdDataSize]byte{}

	binary.LittleEndian.PutUint32(dst[0:4], cmd.DevID)
	binary.LittleEndian.PutUint16(dst[4:6], cmd.QueueID)
	binary.LittleEndian.PutUint16(dst[6:8], cmd.Len)
	binary.LittleEndian.PutUint64(dst[8:16], cmd.Addr)
	binary.LittleEndian.PutUint64(dst[16:24], cmd.Data[0])
	binary.LittleEndian.PutUint64(dst[24:32], cmd.Data[1])
}

// UnmarshalCtrlCmd reads a command header from an SQE command area
func UnmarshalCtrlCmd(data []byte, cmd *UblksrvCtrlCmd) error {
	if len(data) < CtrlCmdSize {
		return ErrInsufficientData
	}

	cmd.DevID = binary.LittleEndian.Uint32(data[0:4])
	cmd.QueueID = binary.LittleEndian.Uint16(data[4:6])
	cmd.Len = binary.LittleEndian.Uint16(data[6:8])
	cmd.Addr = binary.LittleEndian.Uint64(data[8:16])
	cmd.Data[0] = binary.LittleEndian.Uint64(data[16:24])
	cmd.Data[1] = binary.LittleEndian.Uint64(data[24:32])

	return nil
}

// MarshalCtrlDevInfo encodes a device info record. Pad and reserved words are
// always written as zero.
func MarshalCtrlDevInfo(info *UblksrvCtrlDevInfo) []byte {
	buf := make([]byte, CtrlDevInfoSize)

	binary.LittleEndian.PutUint16(buf[0:2], info.NrHwQueues)
	binary.LittleEndian.PutUint16(buf[2:4], info.QueueDepth)
	binary.LittleEndian.PutUint16(buf[4:6], info.State)
	binary.LittleEndian.PutUint32(buf[8:12], info.MaxIOBufBytes)
	binary.LittleEndian.PutUint32(buf[12:16], info.DevID)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(info.UblksrvPID))
	binary.LittleEndian.PutUint64(buf[24:32], info.Flags)

	return buf
}

// UnmarshalCtrlDevInfo decodes a device info record. Pad and reserved words are
// kept so callers can inspect them, but carry no meaning.
func UnmarshalCtrlDevInfo(data []byte, info *UblksrvCtrlDevInfo) error {
	if len(data) < CtrlDevInfoSize {
		return ErrInsufficientData
	}

	info.NrHwQueues = binary.LittleEndian.Uint16(data[0:2])
	info.QueueDepth = binary.LittleEndian.Uint16(data[2:4])
	info.State = binary.LittleEndian.Uint16(data[4:6])
	info.Pad0 = binary.LittleEndian.Uint16(data[6:8])
	info.MaxIOBufBytes = binary.LittleEndian.Uint32(data[8:12])
	info.DevID = binary.LittleEndian.Uint32(data[12:16])
	info.UblksrvPID = int32(binary.LittleEndian.Uint32(data[16:20]))
	info.Pad1 = binary.LittleEndian.Uint32(data[20:24])
	info.Flags = binary.LittleEndian.Uint64(data[24:32])
	for i := range info.Reserved {
		off := 32 + i*8
		info.Reserved[i] = binary.LittleEndian.Uint64(data[off : off+8])
	}

	return nil
}

// MarshalParams encodes a params record. The discard section is written only
// when its type bit is set; otherwise that region stays zero.
func MarshalParams(params *UblkParams) []byte {
	buf := make([]byte, ParamsSize)

	binary.LittleEndian.PutUint32(buf[0:4], params.Len)
	binary.LittleEndian.PutUint32(buf[4:8], params.Types)

	if params.HasBasic() {
		b := &params.Basic
		binary.LittleEndian.PutUint32(buf[8:12], b.Attrs)
		buf[12] = b.LogicalBSShift
		buf[13] = b.PhysicalBSShift
		buf[14] = b.IOOptShift
		buf[15] = b.IOMinShift
		binary.LittleEndian.PutUint32(buf[16:20], b.MaxSectors)
		binary.LittleEndian.PutUint32(buf[20:24], b.ChunkSectors)
		binary.LittleEndian.PutUint64(buf[24:32], b.DevSectors)
		binary.LittleEndian.PutUint64(buf[32:40], b.VirtBoundaryMask)
	}

	if params.HasDiscard() {
		d := &params.Discard
		binary.LittleEndian.PutUint32(buf[40:44], d.DiscardAlignment)
		binary.LittleEndian.PutUint32(buf[44:48], d.DiscardGranularity)
		binary.LittleEndian.PutUint32(buf[48:52], d.MaxDiscardSectors)
		binary.LittleEndian.PutUint32(buf[52:56], d.MaxWriteZeroesSectors)
		binary.LittleEndian.PutUint16(buf[56:58], d.MaxDiscardSegments)
	}

	return buf
}

// UnmarshalParams decodes every section of a params record regardless of the
// type bits; interpreting Types is left to the caller.
func UnmarshalParams(data []byte, params *UblkParams) error {
	if len(data) < ParamsSize {
		return ErrInsufficientData
	}

	params.Len = binary.LittleEndian.Uint32(data[0:4])
	params.Types = binary.LittleEndian.Uint32(data[4:8])

	b := &params.Basic
	b.Attrs = binary.LittleEndian.Uint32(data[8:12])
	b.LogicalBSShift = data[12]
	b.PhysicalBSShift = data[13]
	b.IOOptShift = data[14]
	b.IOMinShift = data[15]
	b.MaxSectors = binary.LittleEndian.Uint32(data[16:20])
	b.ChunkSectors = binary.LittleEndian.Uint32(data[20:24])
	b.DevSectors = binary.LittleEndian.Uint64(data[24:32])
	b.VirtBoundaryMask = binary.LittleEndian.Uint64(data[32:40])

	d := &params.Discard
	d.DiscardAlignment = binary.LittleEndian.Uint32(data[40:44])
	d.DiscardGranularity = binary.LittleEndian.Uint32(data[44:48])
	d.MaxDiscardSectors = binary.LittleEndian.Uint32(data[48:52])
	d.MaxWriteZeroesSectors = binary.LittleEndian.Uint32(data[52:56])
	d.MaxDiscardSegments = binary.LittleEndian.Uint16(data[56:58])
	d.Reserved0 = binary.LittleEndian.Uint16(data[58:60])

	return nil
}

// CPUSetBitmap returns the indices of all set bits of a cpu_set_t buffer,
// in ascending order. Bits are numbered the way glibc does: CPU n lives in
// bit n%64 of little-endian word n/64.
func CPUSetBitmap(data []byte) []int {
	var cpus []int
	for w := 0; w+8 <= len(data); w += 8 {
		word := binary.LittleEndian.Uint64(data[w : w+8])
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			cpus = append(cpus, w*8+bit)
			word &= word - 1
		}
	}
	return cpus
}
