package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-ublkctl"
)

// numCPU is the core count affinity masks are rendered over
var numCPU = onlineCPUs

var cpuOnlinePath = "/sys/devices/system/cpu/online"

// onlineCPUs returns one past the highest online CPU. It ignores this
// process's own affinity mask, which runtime.NumCPU honours.
func onlineCPUs() int {
	raw, err := os.ReadFile(cpuOnlinePath)
	if err == nil {
		var n int
		if n, err = parseCPUList(string(raw)); err == nil {
			return n
		}
	}
	return runtime.NumCPU()
}

// parseCPUList parses a kernel cpulist such as "0-3,8,10-11" and returns the
// highest CPU plus one
func parseCPUList(list string) (int, error) {
	highest := -1
	for _, part := range strings.Split(strings.TrimSpace(list), ",") {
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			hi = lo
		}
		first, err := strconv.Atoi(lo)
		if err != nil {
			return 0, errors.Wrapf(err, "cpu list %q", list)
		}
		last, err := strconv.Atoi(hi)
		if err != nil {
			return 0, errors.Wrapf(err, "cpu list %q", list)
		}
		if first < 0 || last < first {
			return 0, errors.Newf("cpu list %q: bad range %s", list, part)
		}
		highest = max(highest, last)
	}
	if highest < 0 {
		return 0, errors.Newf("cpu list %q is empty", list)
	}
	return highest + 1, nil
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s:\n", title)
}

func printDeviceInfo(w io.Writer, info ublkctl.DeviceInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "\tDevice ID:\t%d\n", info.DevID)
	fmt.Fprintf(tw, "\tServer PID:\t%d\n", info.SrvPID)
	fmt.Fprintf(tw, "\tState:\t%s\n", info.State)
	fmt.Fprintf(tw, "\tActive:\t%t\n", info.Active())
	fmt.Fprintf(tw, "\tNr. HW Queues:\t%d\n", info.NrHwQueues)
	fmt.Fprintf(tw, "\tQueue depth:\t%d\n", info.QueueDepth)
	fmt.Fprintf(tw, "\tMax IO Buf:\t%s (%d bytes)\n", units.BytesSize(float64(info.MaxIOBufBytes)), info.MaxIOBufBytes)
	fmt.Fprintf(tw, "\tFlags:\t%s\n", info.Flags)
	fmt.Fprintf(tw, "\tChar device:\t%s\n", info.CharPath())
	if info.Active() {
		fmt.Fprintf(tw, "\tBlock device:\t%s\n", info.BlockPath())
	}
	tw.Flush()
}

func printDeviceParams(w io.Writer, p ublkctl.DeviceParams) {
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	fmt.Fprintf(tw, "\tBlock size:\t%d\n", p.LogicalBlockSize())
	fmt.Fprintf(tw, "\tSize:\t%s (%d sectors)\n", units.BytesSize(float64(p.Size())), p.DevSectors)
	fmt.Fprintf(tw, "\tAttrs:\t%s\n", p.Attrs)
	fmt.Fprintf(tw, "\tShifts (logical/physical/opt/min):\t%d/%d/%d/%d\n",
		p.LogicalBSShift, p.PhysicalBSShift, p.IOOptShift, p.IOMinShift)
	fmt.Fprintf(tw, "\tMax sectors:\t%d\n", p.MaxSectors)
	fmt.Fprintf(tw, "\tChunk sectors:\t%d\n", p.ChunkSectors)
	fmt.Fprintf(tw, "\tVirt boundary mask:\t%#x\n", p.VirtBoundaryMask)
	if d := p.Discard; d != nil {
		fmt.Fprintf(tw, "\tDiscard alignment:\t%d\n", d.DiscardAlignment)
		fmt.Fprintf(tw, "\tDiscard granularity:\t%d\n", d.DiscardGranularity)
		fmt.Fprintf(tw, "\tMax discard sectors:\t%d\n", d.MaxDiscardSectors)
		fmt.Fprintf(tw, "\tMax write zeroes sectors:\t%d\n", d.MaxWriteZeroesSectors)
		fmt.Fprintf(tw, "\tMax discard segments:\t%d\n", d.MaxDiscardSegments)
	} else {
		fmt.Fprintf(tw, "\tDiscard:\tnone\n")
	}
	tw.Flush()
}

func printAffinity(w io.Writer, sets []unix.CPUSet, cores int) {
	for q, set := range sets {
		fmt.Fprintf(w, "\tqueue %d cpus: %v\n", q, ublkctl.CPUList(set, cores))
	}
}
