//go:build linux

package metrics

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
)

// LinuxSampler reads host resource usage from /proc and /sys, the way
// most lightweight Linux agents do it without shelling out or linking
// a cgo sysinfo binding.
type LinuxSampler struct {
	lastCPU cpuTimes
}

// NewLinuxSampler creates a LinuxSampler.
func NewLinuxSampler() *LinuxSampler {
	return &LinuxSampler{}
}

type cpuTimes struct {
	idle, total uint64
}

func readCPUTimes() (cpuTimes, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuTimes{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return cpuTimes{}, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuTimes{}, fmt.Errorf("unexpected /proc/stat format")
	}

	var total uint64
	var idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle is the 4th field
			idle = v
		}
	}
	return cpuTimes{idle: idle, total: total}, nil
}

// CPUPercent returns the percentage (0–100) of CPU time spent non-idle since the
// previous call. The first call always returns 0.
func (s *LinuxSampler) CPUPercent() (float64, error) {
	cur, err := readCPUTimes()
	if err != nil {
		return 0, err
	}
	defer func() { s.lastCPU = cur }()

	if s.lastCPU.total == 0 {
		return 0, nil
	}
	totalDelta := cur.total - s.lastCPU.total
	idleDelta := cur.idle - s.lastCPU.idle
	if totalDelta == 0 {
		return 0, nil
	}
	return (1 - float64(idleDelta)/float64(totalDelta)) * 100, nil
}

func (s *LinuxSampler) MemoryBytes() (used, total uint64, err error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var totalKB, availKB uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseMeminfoKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availKB = parseMeminfoKB(line)
		}
	}
	total = totalKB * 1024
	if totalKB < availKB {
		return 0, total, nil
	}
	return (totalKB - availKB) * 1024, total, nil
}

func parseMeminfoKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}

func (s *LinuxSampler) StorageBytes(path string) (used, free uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	freeBytes := stat.Bavail * uint64(stat.Bsize)
	if total < freeBytes {
		return 0, freeBytes, nil
	}
	return total - freeBytes, freeBytes, nil
}

func (s *LinuxSampler) UptimeSeconds() (float64, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty /proc/uptime")
	}
	return strconv.ParseFloat(fields[0], 64)
}

// TemperatureCelsius reads every thermal zone under /sys/class/thermal.
// Boards without thermal zones (most desktops running this as a dev
// agent) simply report an empty map, not an error.
func (s *LinuxSampler) TemperatureCelsius() (map[string]float64, error) {
	zones, err := filepath.Glob("/sys/class/thermal/thermal_zone*")
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(zones))
	for _, zoneDir := range zones {
		raw, err := os.ReadFile(filepath.Join(zoneDir, "temp"))
		if err != nil {
			continue
		}
		milliC, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			continue
		}
		out[filepath.Base(zoneDir)] = float64(milliC) / 1000.0
	}
	return out, nil
}

// TopProcesses scans /proc/<pid>/stat for every process, ranking by
// accumulated CPU ticks. This is a point-in-time ranking (not a
// CPU-percent-over-interval figure, which would need two samples per
// process); good enough for "what's consuming this box right now".
func (s *LinuxSampler) TopProcesses(n int) ([]ProcessSample, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	var procs []ProcessSample
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		name, ticks, err := readProcStat(pid)
		if err != nil {
			continue
		}
		procs = append(procs, ProcessSample{PID: pid, Name: name, CPUPercent: float64(ticks)})
	}

	sort.Slice(procs, func(i, j int) bool { return procs[i].CPUPercent > procs[j].CPUPercent })
	if len(procs) > n {
		procs = procs[:n]
	}
	return procs, nil
}

func readProcStat(pid int) (name string, ticks uint64, err error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", 0, err
	}
	// Process name is inside parentheses and may itself contain spaces,
	// so split on the last ')' rather than naive whitespace fields.
	line := string(data)
	open := strings.IndexByte(line, '(')
	shut := strings.LastIndexByte(line, ')')
	if open < 0 || shut < 0 || shut < open {
		return "", 0, fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	name = line[open+1 : shut]
	rest := strings.Fields(line[shut+1:])
	if len(rest) < 13 {
		return name, 0, nil
	}
	utime, _ := strconv.ParseUint(rest[11], 10, 64)
	stime, _ := strconv.ParseUint(rest[12], 10, 64)
	return name, utime + stime, nil
}

func (s *LinuxSampler) NetworkCounters() (map[string]NetIfaceCounters, error) {
	f, err := os.Open("/proc/net/dev")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]NetIfaceCounters)
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum <= 2 {
			continue // header lines
		}
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		iface := strings.TrimSpace(parts[0])
		fields := strings.Fields(parts[1])
		if len(fields) < 9 {
			continue
		}
		rx, _ := strconv.ParseUint(fields[0], 10, 64)
		tx, _ := strconv.ParseUint(fields[8], 10, 64)
		out[iface] = NetIfaceCounters{RxBytes: rx, TxBytes: tx}
	}
	return out, nil
}
