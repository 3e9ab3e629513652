//go:build !linux

package health

import "runtime"

// readRSSBytes falls back to the Go runtime's own heap accounting on
// platforms without /proc; it under-reports true RSS but still tracks
// growth trends.
func readRSSBytes() (uint64, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys, nil
}
