// Package usage holds the value types that usage measurements flow through.
//
// Collection works by taking an Instantaneous snapshot of cumulative kernel
// counters (cgroup cputime, /proc cputime ticks) and later dividing a pair of
// snapshots into a rate-based record: an Averaged for cgroups and a Process
// for pids. Rate records add pointwise and divide by a scalar to average, so
// a poll of n snapshots becomes n-1 records and then one mean record.
package usage

// Usage is a per-resource measurement. CPU is a percent of a single core
// (can exceed 100 on multi-core use); Mem is a percent of the machine's
// total memory.
type Usage struct {
	CPU float64
	Mem float64
}

// Add returns the pointwise sum of two usages.
func (u Usage) Add(other Usage) Usage {
	return Usage{CPU: u.CPU + other.CPU, Mem: u.Mem + other.Mem}
}

// Sub returns the pointwise difference of two usages, clamped at zero.
// Subtraction only ever happens to compute residuals, which are meaningless
// below zero.
func (u Usage) Sub(other Usage) Usage {
	return Usage{
		CPU: max(u.CPU-other.CPU, 0),
		Mem: max(u.Mem-other.Mem, 0),
	}
}

// Scale returns the usage multiplied by a scalar.
func (u Usage) Scale(by float64) Usage {
	return Usage{CPU: u.CPU * by, Mem: u.Mem * by}
}

// Total returns cpu + mem. Only useful for ranking users against one another.
func (u Usage) Total() float64 {
	return u.CPU + u.Mem
}

// IsZero returns whether both resources are zero.
func (u Usage) IsZero() bool {
	return u.CPU == 0 && u.Mem == 0
}

// Avg returns the pointwise mean of the given usages. An empty slice averages
// to zero.
func Avg(usages ...Usage) Usage {
	if len(usages) == 0 {
		return Usage{}
	}
	var sum Usage
	for _, u := range usages {
		sum = sum.Add(u)
	}
	return sum.Scale(1 / float64(len(usages)))
}
