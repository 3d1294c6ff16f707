package ublkctl

import (
	"testing"
	"time"

	"github.com/ehrlich-b/go-ublkctl/internal/uapi"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalCommands != 0 {
		t.Errorf("Expected 0 initial commands, got %d", snap.TotalCommands)
	}

	m.RecordCommand(uapi.UBLK_CMD_ADD_DEV, 1000000, true)
	m.RecordCommand(uapi.UBLK_CMD_GET_DEV_INFO, 2000000, true)
	m.RecordCommand(uapi.UblkCtrlCmd(uapi.UBLK_CMD_GET_DEV_INFO), 500000, false)

	snap = m.Snapshot()

	if snap.Commands["ADD_DEV"] != 1 {
		t.Errorf("Expected 1 ADD_DEV, got %d", snap.Commands["ADD_DEV"])
	}
	if snap.Commands["GET_DEV_INFO"] != 2 {
		t.Errorf("Expected 2 GET_DEV_INFO (legacy and ioctl opcodes), got %d", snap.Commands["GET_DEV_INFO"])
	}
	if snap.Errors["GET_DEV_INFO"] != 1 {
		t.Errorf("Expected 1 GET_DEV_INFO error, got %d", snap.Errors["GET_DEV_INFO"])
	}
	if _, ok := snap.Errors["ADD_DEV"]; ok {
		t.Error("ADD_DEV should have no error entry")
	}
	if snap.TotalCommands != 3 || snap.TotalErrors != 1 {
		t.Errorf("Expected 3 commands / 1 error, got %d / %d", snap.TotalCommands, snap.TotalErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsUnknownOpcode(t *testing.T) {
	m := NewMetrics()
	m.RecordCommand(0x7f, 1000, true)

	snap := m.Snapshot()
	if snap.TotalCommands != 0 {
		t.Errorf("Unknown opcode should not be counted as a command, got %d", snap.TotalCommands)
	}
	if m.OpCount.Load() != 1 {
		t.Errorf("Unknown opcode should still count towards latency, got %d", m.OpCount.Load())
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordCommand(uapi.UBLK_CMD_STOP_DEV, 1000000, true)
	m.RecordCommand(uapi.UBLK_CMD_DEL_DEV, 2000000, true)

	snap := m.Snapshot()

	expectedAvgNs := uint64(1500000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordCommand(uapi.UBLK_CMD_ADD_DEV, 1000000, true)
	m.RecordCommand(uapi.UBLK_CMD_START_DEV, 2000000, false)

	if snap := m.Snapshot(); snap.TotalCommands == 0 {
		t.Error("Expected some commands before reset")
	}

	m.Reset()

	snap := m.Snapshot()
	if snap.TotalCommands != 0 || snap.TotalErrors != 0 {
		t.Errorf("Expected 0 commands after reset, got %d (%d errors)", snap.TotalCommands, snap.TotalErrors)
	}
	if len(snap.Commands) != 0 {
		t.Errorf("Expected empty per-command counts, got %v", snap.Commands)
	}
	if snap.AvgLatencyNs != 0 {
		t.Errorf("Expected 0 latency after reset, got %d", snap.AvgLatencyNs)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveCommand(uapi.UBLK_CMD_ADD_DEV, 1000000, true)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveCommand(uapi.UBLK_CMD_SET_PARAMS, 1000000, true)
	metricsObserver.ObserveCommand(uapi.UBLK_CMD_SET_PARAMS, 2000000, false)

	snap := m.Snapshot()
	if snap.Commands["SET_PARAMS"] != 2 {
		t.Errorf("Expected 2 SET_PARAMS from observer, got %d", snap.Commands["SET_PARAMS"])
	}
	if snap.Errors["SET_PARAMS"] != 1 {
		t.Errorf("Expected 1 SET_PARAMS error from observer, got %d", snap.Errors["SET_PARAMS"])
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	// 50 fast info queries, 49 parameter updates, one slow START_DEV
	for i := 0; i < 50; i++ {
		m.RecordCommand(uapi.UBLK_CMD_GET_DEV_INFO, 500_000, true)
	}
	for i := 0; i < 49; i++ {
		m.RecordCommand(uapi.UBLK_CMD_SET_PARAMS, 5_000_000, true)
	}
	m.RecordCommand(uapi.UBLK_CMD_START_DEV, 50_000_000, true)

	snap := m.Snapshot()

	if snap.TotalCommands != 100 {
		t.Errorf("Expected 100 total commands, got %d", snap.TotalCommands)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	if snap.LatencyHistogram[numLatencyBuckets-1] != 100 {
		t.Errorf("Expected all commands in the last cumulative bucket, got %d", snap.LatencyHistogram[numLatencyBuckets-1])
	}
}

func TestMetricsWithController(t *testing.T) {
	c, _ := NewSimulatedController()
	defer c.Close()

	m := NewMetrics()
	c.SetObserver(NewMetricsObserver(m))

	info, err := c.AddDevice(NewDeviceOptions())
	if err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}
	if _, err := c.GetDeviceInfo(info.DevID); err != nil {
		t.Fatalf("GetDeviceInfo failed: %v", err)
	}
	_ = c.DeleteDevice(info.DevID + 1)

	snap := m.Snapshot()
	if snap.TotalCommands != 3 {
		t.Errorf("Expected 3 commands, got %d", snap.TotalCommands)
	}
	if snap.Errors["DEL_DEV"] != 1 {
		t.Errorf("Expected DEL_DEV error to be counted, got %v", snap.Errors)
	}
}
