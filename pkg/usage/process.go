package usage

import "math"

// OtherProcessesPid is the pid of the synthetic record carrying usage that
// could not be attributed to any sampled process.
const OtherProcessesPid = -1

// OtherProcessesLabel is the display name of that synthetic record.
const OtherProcessesLabel = "other processes"

// ProcSnapshot is an instantaneous reading of one process's cumulative
// counters from /proc.
type ProcSnapshot struct {
	Pid   int
	Name  string
	Owner int

	// UptimeSeconds is how long the process had been running at the reading
	UptimeSeconds float64

	// CPUTimeTicks is utime+stime in clock ticks
	CPUTimeTicks int64

	// MemoryBytes is RSS (+VmSwap) or PSS (+SwapPss) depending on config
	MemoryBytes int64

	// TotalClockTicks is the system-wide cputime in jiffies at the reading,
	// used as the denominator when differencing
	TotalClockTicks int64
}

// Process is the rate-based record produced from a pair of ProcSnapshots.
// Records of processes with the same name can be merged; Count tracks how
// many went into a merged record.
type Process struct {
	Pid           int
	Name          string
	Owner         int
	UptimeSeconds float64
	Count         int
	Usage         Usage
}

// CombineProc turns two snapshots of the same pid into a Process record. The
// first snapshot must be the older one. If the cumulative cputime went
// backwards or the name changed, the pid was recycled between the readings
// and both metrics are zeroed.
func CombineProc(older, newer ProcSnapshot, totalMemBytes int64, numCPU int) Process {
	var u Usage
	if older.CPUTimeTicks <= newer.CPUTimeTicks && older.Name == newer.Name {
		tickDelta := newer.TotalClockTicks - older.TotalClockTicks
		if tickDelta < 0 {
			tickDelta = -tickDelta
		}
		if tickDelta < 1 {
			tickDelta = 1
		}
		u = Usage{
			CPU: float64(newer.CPUTimeTicks-older.CPUTimeTicks) / float64(tickDelta) * float64(numCPU) * 100,
			Mem: float64(newer.MemoryBytes+older.MemoryBytes) / 2 / float64(totalMemBytes) * 100,
		}
		if u.CPU < 0 {
			u.CPU = 0
		}
	}
	return Process{
		Pid:           older.Pid,
		Name:          older.Name,
		Owner:         older.Owner,
		UptimeSeconds: math.Max(older.UptimeSeconds, newer.UptimeSeconds),
		Count:         1,
		Usage:         u,
	}
}

// Add merges another record into this one: usage and counts sum, uptime takes
// the max. Used both when averaging one pid over a poll and when merging
// same-named processes for display.
func (p Process) Add(other Process) Process {
	p.Usage = p.Usage.Add(other.Usage)
	p.Count += other.Count
	p.UptimeSeconds = math.Max(p.UptimeSeconds, other.UptimeSeconds)
	return p
}

// Div averages the record over a divisor: usage scales down, count rounds up
// so a process seen in any sub-sample still shows as present.
func (p Process) Div(by int) Process {
	if by <= 0 {
		return p
	}
	p.Usage = p.Usage.Scale(1 / float64(by))
	p.Count = int(math.Ceil(float64(p.Count) / float64(by)))
	return p
}

// SumProcs sums a set of process records into one. The identity of the result
// is taken from the first record.
func SumProcs(procs []Process) Process {
	if len(procs) == 0 {
		return Process{}
	}
	out := procs[0]
	for _, p := range procs[1:] {
		out = out.Add(p)
	}
	return out
}
