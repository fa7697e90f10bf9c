package usage

import "time"

// Snapshot is an instantaneous reading of a cgroup's cumulative counters.
// Snapshots cannot be used directly; two of the same cgroup are combined
// into an Averaged.
type Snapshot struct {
	// Name is the cgroup's name, e.g. "user-1000.slice" or "user.slice"
	Name string

	// At is when the reading was taken. time.Time carries a monotonic
	// component, which keeps the cpu rate immune to wall clock steps.
	At time.Time

	// CPUTimeNS is the cgroup's cumulative cpu time in nanoseconds, summed
	// over all cores
	CPUTimeNS int64

	// MemoryBytes is the cgroup's memory usage in bytes
	MemoryBytes int64

	// Pids are the pids in the cgroup at the time of the reading
	Pids []int
}

// Averaged is the rate-based record produced from a pair of Snapshots, or
// from averaging several such records together.
type Averaged struct {
	Name  string
	Usage Usage

	// Pids is the union of the pids seen in the combined snapshots
	Pids []int
}

// Combine turns two snapshots of the same cgroup into an Averaged. The first
// snapshot must be the older of the pair. If the cumulative cputime went
// backwards the cgroup was recreated between the readings and both metrics
// are zeroed rather than reporting garbage rates.
func Combine(older, newer Snapshot, totalMemBytes int64) Averaged {
	pids := unionPids(older.Pids, newer.Pids)
	if older.CPUTimeNS > newer.CPUTimeNS {
		return Averaged{Name: older.Name, Pids: pids}
	}

	elapsed := newer.At.Sub(older.At).Seconds()
	var cpu float64
	if elapsed > 0 {
		cpu = float64(newer.CPUTimeNS-older.CPUTimeNS) / elapsed / 1e9 * 100
	}
	mem := float64(newer.MemoryBytes+older.MemoryBytes) / 2 / float64(totalMemBytes) * 100

	return Averaged{
		Name:  older.Name,
		Usage: Usage{CPU: cpu, Mem: mem},
		Pids:  pids,
	}
}

// CombinePairs folds n consecutive snapshots into n-1 Averaged records.
// Fewer than two snapshots yield nothing.
func CombinePairs(snapshots []Snapshot, totalMemBytes int64) []Averaged {
	if len(snapshots) < 2 {
		return nil
	}
	averaged := make([]Averaged, 0, len(snapshots)-1)
	for i := 1; i < len(snapshots); i++ {
		averaged = append(averaged, Combine(snapshots[i-1], snapshots[i], totalMemBytes))
	}
	return averaged
}

// Mean averages several Averaged records of the same cgroup, dividing by the
// given divisor. The divisor is passed explicitly because the collector
// averages over poll-1 slots even when some pairs were dropped.
func Mean(records []Averaged, by int) Averaged {
	if len(records) == 0 || by <= 0 {
		return Averaged{}
	}
	out := Averaged{Name: records[0].Name}
	pids := records[0].Pids
	var sum Usage
	for _, r := range records {
		sum = sum.Add(r.Usage)
		pids = unionPids(pids, r.Pids)
	}
	out.Usage = sum.Scale(1 / float64(by))
	out.Pids = pids
	return out
}

func unionPids(a, b []int) []int {
	seen := make(map[int]struct{}, len(a)+len(b))
	out := make([]int, 0, len(a)+len(b))
	for _, pids := range [][]int{a, b} {
		for _, pid := range pids {
			if _, ok := seen[pid]; ok {
				continue
			}
			seen[pid] = struct{}{}
			out = append(out, pid)
		}
	}
	return out
}
