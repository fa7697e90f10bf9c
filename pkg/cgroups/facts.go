package cgroups

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"
)

// Facts are the system facts that never change over a run. They are computed
// once at boot and passed around as a value; nothing re-reads them.
type Facts struct {
	Hostname         string
	TotalMemBytes    int64
	TotalSwapBytes   int64
	ClockTicksPerSec int64
	NumCPU           int
	ThreadsPerCore   int
}

var (
	meminfoTotalRe = regexp.MustCompile(`(?m)^MemTotal:\s+(\d+) kB$`)
	meminfoSwapRe  = regexp.MustCompile(`(?m)^SwapTotal:\s+(\d+) kB$`)
	siblingsRe     = regexp.MustCompile(`siblings\s+:\s+(\d+)`)
	coresRe        = regexp.MustCompile(`cpu cores\s+:\s+(\d+)`)
)

// CollectFacts reads the host facts from /proc. Fails only if the machine's
// total memory cannot be determined, since every memory percentage depends
// on it.
func CollectFacts() (Facts, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Facts{}, err
	}

	meminfo, err := os.ReadFile(procRoot + "/meminfo")
	if err != nil {
		return Facts{}, err
	}
	totalMem := kbMatch(meminfoTotalRe, string(meminfo))
	if totalMem == 0 {
		return Facts{}, fmt.Errorf("/proc/meminfo has no MemTotal")
	}

	return Facts{
		Hostname:         hostname,
		TotalMemBytes:    totalMem,
		TotalSwapBytes:   kbMatch(meminfoSwapRe, string(meminfo)),
		ClockTicksPerSec: 100, // USER_HZ; fixed at 100 on every supported architecture
		NumCPU:           runtime.NumCPU(),
		ThreadsPerCore:   threadsPerCore(),
	}, nil
}

// threadsPerCore derives hyperthreading from /proc/cpuinfo's siblings and
// core counts. Falls back to 1 when the fields are absent (VMs, ARM).
func threadsPerCore() int {
	cpuinfo, err := os.ReadFile(procRoot + "/cpuinfo")
	if err != nil {
		return 1
	}
	siblings := firstIntMatch(siblingsRe, string(cpuinfo))
	cores := firstIntMatch(coresRe, string(cpuinfo))
	if siblings == 0 || cores == 0 {
		return 1
	}
	return siblings / cores
}

func firstIntMatch(re *regexp.Regexp, content string) int {
	if m := re.FindStringSubmatch(content); m != nil {
		v, _ := strconv.Atoi(m[1])
		return v
	}
	return 0
}

// GBToPct converts a quota in gigabytes to a percent of this machine's
// memory.
func (f Facts) GBToPct(gb float64) float64 {
	return gb * 1024 * 1024 * 1024 / float64(f.TotalMemBytes) * 100
}

// PctToGB converts a percent of this machine's memory to gigabytes.
func (f Facts) PctToGB(pct float64) float64 {
	return pct / 100 * float64(f.TotalMemBytes) / (1024 * 1024 * 1024)
}

// BytesToPct converts bytes to a percent of this machine's memory.
func (f Facts) BytesToPct(bytes int64) float64 {
	return float64(bytes) / float64(f.TotalMemBytes) * 100
}
