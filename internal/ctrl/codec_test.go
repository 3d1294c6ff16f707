package ctrl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-ublkctl/internal/uapi"
)

func TestDeviceOptionsDefaults(t *testing.T) {
	o := NewDeviceOptions()
	assert.Equal(t, uint32(uapi.NewDevID), o.DeviceID())
	assert.Equal(t, uint16(1), o.NrHwQueues())
	assert.Equal(t, uint16(256), o.QueueDepth())
	assert.Equal(t, uint32(512<<10), o.MaxIOBufBytes())
	assert.Equal(t, DeviceFlags(0), o.Flags())
}

func TestDeviceOptionsClamp(t *testing.T) {
	o := NewDeviceOptions().
		WithNrHwQueues(10000).
		WithQueueDepth(5000).
		WithMaxIOBufBytes(16 << 20)

	assert.Equal(t, uint16(32), o.NrHwQueues())
	assert.Equal(t, uint16(1024), o.QueueDepth())
	assert.Equal(t, uint32(1<<20), o.MaxIOBufBytes())

	o = o.WithNrHwQueues(4).WithQueueDepth(64).WithMaxIOBufBytes(4096)
	assert.Equal(t, uint16(4), o.NrHwQueues())
	assert.Equal(t, uint16(64), o.QueueDepth())
	assert.Equal(t, uint32(4096), o.MaxIOBufBytes())
}

func TestDeviceOptionsAreValues(t *testing.T) {
	base := NewDeviceOptions()
	_ = base.WithDeviceID(7).WithFlags(FlagZeroCopy)
	assert.Equal(t, uint32(uapi.NewDevID), base.DeviceID())
	assert.Equal(t, DeviceFlags(0), base.Flags())
}

func TestDevInfoRoundTrip(t *testing.T) {
	opts := NewDeviceOptions().
		WithDeviceID(3).
		WithNrHwQueues(8).
		WithQueueDepth(128).
		WithMaxIOBufBytes(256 << 10).
		WithFlags(FlagZeroCopy | FlagNeedGetData)

	raw := encodeDevInfo(opts)
	assert.Equal(t, uint16(0), raw.State)
	assert.Equal(t, int32(0), raw.UblksrvPID)

	buf := uapi.MarshalCtrlDevInfo(&raw)
	var back uapi.UblksrvCtrlDevInfo
	require.NoError(t, uapi.UnmarshalCtrlDevInfo(buf, &back))

	info := decodeDevInfo(&back)
	assert.Equal(t, uint32(3), info.DevID)
	assert.Equal(t, uint16(8), info.NrHwQueues)
	assert.Equal(t, uint16(128), info.QueueDepth)
	assert.Equal(t, uint32(256<<10), info.MaxIOBufBytes)
	assert.Equal(t, FlagZeroCopy|FlagNeedGetData, info.Flags)
	assert.False(t, info.Active())
}

func TestDeviceFlagsSubsets(t *testing.T) {
	all := []DeviceFlags{FlagZeroCopy, FlagForceIouCmdCompleteInTask, FlagNeedGetData}
	for mask := 0; mask < 1<<len(all); mask++ {
		var flags DeviceFlags
		for i, f := range all {
			if mask&(1<<i) != 0 {
				flags |= f
			}
		}
		raw := encodeDevInfo(NewDeviceOptions().WithFlags(flags))
		assert.Equal(t, flags, decodeDevInfo(&raw).Flags, "mask %03b", mask)
	}
}

func TestDeviceFlagsTruncateUnknown(t *testing.T) {
	raw := uapi.UblksrvCtrlDevInfo{Flags: 1<<0 | 1<<2 | 1<<5 | 1<<63}
	info := decodeDevInfo(&raw)
	assert.Equal(t, FlagZeroCopy|FlagNeedGetData, info.Flags)

	assert.Equal(t, DeviceFlags(0), DeviceFlagsFromBits(1<<40))
	assert.Equal(t, AttrFua, DeviceAttrFromBits(uapi.UBLK_ATTR_FUA|1<<20))
}

func TestDeviceFlagsString(t *testing.T) {
	assert.Equal(t, "none", DeviceFlags(0).String())
	assert.Equal(t, "zero_copy|need_get_data", (FlagZeroCopy | FlagNeedGetData).String())
	assert.Equal(t, "read_only|fua", (AttrReadOnly | AttrFua).String())
	assert.True(t, (FlagZeroCopy | FlagNeedGetData).Has(FlagNeedGetData))
	assert.False(t, FlagZeroCopy.Has(FlagZeroCopy|FlagNeedGetData))
}

func TestDeviceState(t *testing.T) {
	tests := []struct {
		state  DeviceState
		str    string
		active bool
	}{
		{StateDead, "dead", false},
		{StateLive, "live", true},
		{DeviceState(7), "unknown(7)", false},
	}
	for _, tt := range tests {
		t.Run(tt.str, func(t *testing.T) {
			raw := uapi.UblksrvCtrlDevInfo{State: uint16(tt.state)}
			info := decodeDevInfo(&raw)
			assert.Equal(t, tt.state, info.State)
			assert.Equal(t, tt.str, info.State.String())
			assert.Equal(t, tt.active, info.Active())
		})
	}
}

func TestEncodeParamsBasicOnly(t *testing.T) {
	p := DeviceParams{
		Attrs:           AttrVolatileCache,
		LogicalBSShift:  9,
		PhysicalBSShift: 12,
		IOOptShift:      12,
		IOMinShift:      9,
		MaxSectors:      1024,
		DevSectors:      1 << 20,
	}

	raw := encodeParams(p)
	assert.Equal(t, uint32(uapi.ParamsSize), raw.Len)
	assert.Equal(t, uint32(uapi.UBLK_PARAM_TYPE_BASIC), raw.Types)
	assert.Equal(t, uapi.UblkParamDiscard{}, raw.Discard)

	back := decodeParams(&raw)
	assert.Equal(t, p, back)
	assert.Nil(t, back.Discard)
	assert.Equal(t, uint32(512), back.LogicalBlockSize())
	assert.Equal(t, uint64(512<<20), back.Size())
}

func TestEncodeParamsWithDiscard(t *testing.T) {
	p := DeviceParams{
		LogicalBSShift:  12,
		PhysicalBSShift: 12,
		DevSectors:      8,
		Discard: &DeviceParamDiscard{
			DiscardAlignment:      4096,
			DiscardGranularity:    4096,
			MaxDiscardSectors:     0xFFFFFFFF,
			MaxWriteZeroesSectors: 64,
			MaxDiscardSegments:    256,
		},
	}

	raw := encodeParams(p)
	assert.Equal(t, uint32(uapi.UBLK_PARAM_TYPE_BASIC|uapi.UBLK_PARAM_TYPE_DISCARD), raw.Types)

	buf := uapi.MarshalParams(&raw)
	var decoded uapi.UblkParams
	require.NoError(t, uapi.UnmarshalParams(buf, &decoded))
	assert.Equal(t, p, decodeParams(&decoded))
}

func TestDecodeParamsIgnoresStrayDiscard(t *testing.T) {
	raw := uapi.UblkParams{
		Types:   uapi.UBLK_PARAM_TYPE_BASIC,
		Discard: uapi.UblkParamDiscard{DiscardGranularity: 4096, MaxDiscardSegments: 9},
	}
	assert.Nil(t, decodeParams(&raw).Discard)
}

func TestDecodeCPUSet(t *testing.T) {
	raw := make([]byte, uapi.CPUSetSize)
	raw[0] = 0b1010_0001 // 0, 5, 7
	raw[1] = 0b0000_0010 // 9
	raw[16] = 0x01       // 128

	set := DecodeCPUSet(raw)
	assert.Equal(t, 5, set.Count())
	assert.Equal(t, []int{0, 5, 7, 9, 128}, CPUList(set, 1024))
	assert.Equal(t, []int{0, 5, 7}, CPUList(set, 8))
	assert.Empty(t, CPUList(set, 0))
	assert.Empty(t, CPUList(DecodeCPUSet(make([]byte, uapi.CPUSetSize)), 64))
}

func TestDeviceInfoPaths(t *testing.T) {
	info := DeviceInfo{DevID: 12}
	assert.Equal(t, "/dev/ublkc12", info.CharPath())
	assert.Equal(t, "/dev/ublkb12", info.BlockPath())
}

func BenchmarkEncodeDecodeParams(b *testing.B) {
	p := DeviceParams{LogicalBSShift: 9, PhysicalBSShift: 12, DevSectors: 1 << 30}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		raw := encodeParams(p)
		_ = decodeParams(&raw)
	}
}
