package ctrl

import (
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublkctl/internal/uapi"
)

// encodeDevInfo builds the ADD_DEV record. Everything the options do not
// describe, including the server pid and state, is left zero for the driver
// to fill in.
func encodeDevInfo(o DeviceOptions) uapi.UblksrvCtrlDevInfo {
	return uapi.UblksrvCtrlDevInfo{
		NrHwQueues:    o.nrHwQueues,
		QueueDepth:    o.queueDepth,
		MaxIOBufBytes: o.maxIOBufBytes,
		DevID:         o.devID,
		Flags:         o.flags.Bits(),
	}
}

func decodeDevInfo(info *uapi.UblksrvCtrlDevInfo) DeviceInfo {
	return DeviceInfo{
		DevID:         info.DevID,
		SrvPID:        info.UblksrvPID,
		State:         DeviceState(info.State),
		NrHwQueues:    info.NrHwQueues,
		QueueDepth:    info.QueueDepth,
		MaxIOBufBytes: info.MaxIOBufBytes,
		Flags:         DeviceFlagsFromBits(info.Flags),
	}
}

func encodeParams(p DeviceParams) uapi.UblkParams {
	params := uapi.UblkParams{
		Len: uapi.ParamsSize,
		Basic: uapi.UblkParamBasic{
			Attrs:            p.Attrs.Bits(),
			LogicalBSShift:   p.LogicalBSShift,
			PhysicalBSShift:  p.PhysicalBSShift,
			IOOptShift:       p.IOOptShift,
			IOMinShift:       p.IOMinShift,
			MaxSectors:       p.MaxSectors,
			ChunkSectors:     p.ChunkSectors,
			DevSectors:       p.DevSectors,
			VirtBoundaryMask: p.VirtBoundaryMask,
		},
	}
	params.SetBasic()

	if d := p.Discard; d != nil {
		params.SetDiscard()
		params.Discard = uapi.UblkParamDiscard{
			DiscardAlignment:      d.DiscardAlignment,
			DiscardGranularity:    d.DiscardGranularity,
			MaxDiscardSectors:     d.MaxDiscardSectors,
			MaxWriteZeroesSectors: d.MaxWriteZeroesSectors,
			MaxDiscardSegments:    d.MaxDiscardSegments,
		}
	}
	return params
}

// decodeParams ignores the discard region unless its type bit is set
func decodeParams(params *uapi.UblkParams) DeviceParams {
	b := &params.Basic
	p := DeviceParams{
		Attrs:            DeviceAttrFromBits(b.Attrs),
		LogicalBSShift:   b.LogicalBSShift,
		PhysicalBSShift:  b.PhysicalBSShift,
		IOOptShift:       b.IOOptShift,
		IOMinShift:       b.IOMinShift,
		MaxSectors:       b.MaxSectors,
		ChunkSectors:     b.ChunkSectors,
		DevSectors:       b.DevSectors,
		VirtBoundaryMask: b.VirtBoundaryMask,
	}

	if params.HasDiscard() {
		d := &params.Discard
		p.Discard = &DeviceParamDiscard{
			DiscardAlignment:      d.DiscardAlignment,
			DiscardGranularity:    d.DiscardGranularity,
			MaxDiscardSectors:     d.MaxDiscardSectors,
			MaxWriteZeroesSectors: d.MaxWriteZeroesSectors,
			MaxDiscardSegments:    d.MaxDiscardSegments,
		}
	}
	return p
}

// DecodeCPUSet converts a raw cpu_set_t returned by GET_QUEUE_AFFINITY.
// CPUs beyond what unix.CPUSet can hold are dropped.
func DecodeCPUSet(raw []byte) unix.CPUSet {
	var set unix.CPUSet
	for _, cpu := range uapi.CPUSetBitmap(raw) {
		set.Set(cpu)
	}
	return set
}

// CPUList returns the CPUs of set in [0, cores), ascending
func CPUList(set unix.CPUSet, cores int) []int {
	cpus := make([]int, 0, set.Count())
	for cpu := 0; cpu < cores; cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus
}
