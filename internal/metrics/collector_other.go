//go:build !linux

package metrics

import (
	"fmt"
	"runtime"
)

// FallbackSampler is used on platforms without a dedicated Sampler
// (non-Linux dev machines). It reports Go-runtime-derived memory
// figures and leaves everything else empty rather than faking data.
type FallbackSampler struct{}

// NewLinuxSampler name is kept for call-site parity; on non-Linux
// builds it returns the fallback implementation instead.
func NewLinuxSampler() *FallbackSampler { return &FallbackSampler{} }

func (FallbackSampler) CPUPercent() (float64, error) {
	return 0, fmt.Errorf("cpu sampling not implemented on %s", runtime.GOOS)
}

func (FallbackSampler) MemoryBytes() (used, total uint64, err error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys, m.Sys, nil
}

func (FallbackSampler) StorageBytes(path string) (used, free uint64, err error) {
	return 0, 0, fmt.Errorf("storage sampling not implemented on %s", runtime.GOOS)
}

func (FallbackSampler) UptimeSeconds() (float64, error) {
	return 0, fmt.Errorf("uptime sampling not implemented on %s", runtime.GOOS)
}

func (FallbackSampler) TemperatureCelsius() (map[string]float64, error) {
	return map[string]float64{}, nil
}

func (FallbackSampler) TopProcesses(n int) ([]ProcessSample, error) {
	return nil, nil
}

func (FallbackSampler) NetworkCounters() (map[string]NetIfaceCounters, error) {
	return map[string]NetIfaceCounters{}, nil
}
