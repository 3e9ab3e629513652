package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type stubSampler struct {
	net map[string]NetIfaceCounters
}

func (s stubSampler) CPUPercent() (float64, error) { return 42, nil }
func (s stubSampler) MemoryBytes() (uint64, uint64, error) {
	return 1024, 4096, nil
}
func (s stubSampler) StorageBytes(path string) (uint64, uint64, error) {
	return 100, 900, nil
}
func (s stubSampler) UptimeSeconds() (float64, error) { return 3600, nil }
func (s stubSampler) TemperatureCelsius() (map[string]float64, error) {
	return map[string]float64{"zone0": 55.5}, nil
}
func (s stubSampler) TopProcesses(n int) ([]ProcessSample, error) {
	return []ProcessSample{{PID: 1, Name: "init", CPUPercent: 3.2}}, nil
}
func (s stubSampler) NetworkCounters() (map[string]NetIfaceCounters, error) {
	return s.net, nil
}

func TestCollector_SampleOnceUpdatesSeries(t *testing.T) {
	c := NewCollector(stubSampler{net: map[string]NetIfaceCounters{"eth0": {RxBytes: 100, TxBytes: 50}}}, "/tmp", 5, nil)
	c.sampleOnce()

	if got := testutil.ToFloat64(CPUUsagePercent); got != 42 {
		t.Fatalf("expected CPU 42, got %v", got)
	}
}

func TestCollector_RunStopsOnContextCancel(t *testing.T) {
	c := NewCollector(stubSampler{}, "/tmp", 5, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestDeltaUint64_HandlesCounterReset(t *testing.T) {
	if got := deltaUint64(100, 50); got != 50 {
		t.Fatalf("expected reset to report cur as delta, got %v", got)
	}
	if got := deltaUint64(100, 150); got != 50 {
		t.Fatalf("expected normal delta of 50, got %v", got)
	}
}
