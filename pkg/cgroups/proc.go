package cgroups

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/chpc-uofu/arbiter/pkg/usage"
)

// procRoot exists so tests can point the /proc readers at a fixture tree.
var procRoot = "/proc"

var (
	statusNameRe = regexp.MustCompile(`(?m)^Name:\s+(.*)$`)
	statusUIDRe  = regexp.MustCompile(`(?m)^Uid:\s+(\d+)\s+(\d+)`)
	statusRSSRe  = regexp.MustCompile(`(?m)^VmRSS:\s+(\d+) kB$`)
	statusSwapRe = regexp.MustCompile(`(?m)^VmSwap:\s+(\d+) kB$`)
	smapsPssRe   = regexp.MustCompile(`(?m)^Pss:\s+(\d+) kB$`)
	smapsSwapRe  = regexp.MustCompile(`(?m)^SwapPss:\s+(\d+) kB$`)
)

// SampleProcess reads one process's cumulative counters from /proc. Returns
// ErrDisappeared if the pid exits mid-read and ErrDenied if smaps is not
// readable (pss requires CAP_SYS_PTRACE).
func (a *Adapter) SampleProcess(pid int, includeSwap bool) (usage.ProcSnapshot, error) {
	status, err := readCgroupFile(fmt.Sprintf("%s/%d/status", procRoot, pid))
	if err != nil {
		return usage.ProcSnapshot{}, err
	}

	name := ""
	if m := statusNameRe.FindStringSubmatch(status); m != nil {
		name = strings.TrimSpace(m[1])
	}
	owner := -1
	if m := statusUIDRe.FindStringSubmatch(status); m != nil {
		// second column is the effective uid
		owner, _ = strconv.Atoi(m[2])
	}

	var memBytes int64
	if a.Pss {
		memBytes, err = a.pssBytes(pid, includeSwap)
		if err != nil {
			return usage.ProcSnapshot{}, err
		}
	} else {
		memBytes = kbMatch(statusRSSRe, status)
		if includeSwap {
			memBytes += kbMatch(statusSwapRe, status)
		}
	}

	cputimeTicks, startTicks, err := a.statTimes(pid)
	if err != nil {
		return usage.ProcSnapshot{}, err
	}
	machineUptime, err := a.machineUptime()
	if err != nil {
		return usage.ProcSnapshot{}, err
	}
	total, err := a.TotalClockTicks()
	if err != nil {
		return usage.ProcSnapshot{}, err
	}

	return usage.ProcSnapshot{
		Pid:             pid,
		Name:            name,
		Owner:           owner,
		UptimeSeconds:   machineUptime - float64(startTicks)/float64(a.facts.ClockTicksPerSec),
		CPUTimeTicks:    cputimeTicks,
		MemoryBytes:     memBytes,
		TotalClockTicks: total,
	}, nil
}

// pssBytes sums the proportional set size entries out of /proc/<pid>/smaps.
func (a *Adapter) pssBytes(pid int, includeSwap bool) (int64, error) {
	smaps, err := readCgroupFile(fmt.Sprintf("%s/%d/smaps", procRoot, pid))
	if err != nil {
		return 0, err
	}
	total := sumKbMatches(smapsPssRe, smaps)
	if includeSwap {
		total += sumKbMatches(smapsSwapRe, smaps)
	}
	return total, nil
}

// statTimes reads utime+stime and the process start time (both in clock
// ticks) from /proc/<pid>/stat. The comm field can contain spaces and
// parentheses, so fields are counted from the closing paren.
func (a *Adapter) statTimes(pid int) (cputime, start int64, err error) {
	raw, err := readCgroupFile(fmt.Sprintf("%s/%d/stat", procRoot, pid))
	if err != nil {
		return 0, 0, err
	}
	closing := strings.LastIndex(raw, ")")
	if closing < 0 {
		return 0, 0, fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	fields := strings.Fields(raw[closing+1:])
	// after comm: field 3 is state, so utime is index 11, stime 12 and
	// starttime 19 relative to the remainder
	if len(fields) < 20 {
		return 0, 0, fmt.Errorf("malformed /proc/%d/stat", pid)
	}
	utime, _ := strconv.ParseInt(fields[11], 10, 64)
	stime, _ := strconv.ParseInt(fields[12], 10, 64)
	start, _ = strconv.ParseInt(fields[19], 10, 64)
	return utime + stime, start, nil
}

func (a *Adapter) machineUptime() (float64, error) {
	raw, err := readCgroupFile(procRoot + "/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return 0, fmt.Errorf("malformed /proc/uptime")
	}
	return strconv.ParseFloat(fields[0], 64)
}

// TotalClockTicks sums the cpu line of /proc/stat: the system-wide cputime in
// jiffies, the denominator for per-process cpu rates.
func (a *Adapter) TotalClockTicks() (int64, error) {
	file, err := os.Open(procRoot + "/stat")
	if err != nil {
		return 0, classify(err, procRoot+"/stat")
	}
	defer file.Close()

	buf := make([]byte, 4096)
	n, err := file.Read(buf)
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(buf[:n]), "\n")
	if !strings.HasPrefix(line, "cpu ") {
		return 0, fmt.Errorf("malformed /proc/stat")
	}
	var total int64
	for _, field := range strings.Fields(line)[1:] {
		v, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}

func kbMatch(re *regexp.Regexp, content string) int64 {
	if m := re.FindStringSubmatch(content); m != nil {
		v, _ := strconv.ParseInt(m[1], 10, 64)
		return v * 1024
	}
	return 0
}

func sumKbMatches(re *regexp.Regexp, content string) int64 {
	var total int64
	for _, m := range re.FindAllStringSubmatch(content, -1) {
		v, _ := strconv.ParseInt(m[1], 10, 64)
		total += v * 1024
	}
	return total
}
