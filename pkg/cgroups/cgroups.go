// Package cgroups is Arbiter's only window onto the kernel: it reads
// cumulative usage counters out of the cgroup v1 hierarchy and /proc, and
// writes cpu and memory quotas back. Everything above this package works on
// the typed snapshots it returns and never touches a file path.
package cgroups

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chpc-uofu/arbiter/pkg/usage"
)

// BasePath is the root of the cgroup v1 hierarchy. systemd has standardized
// this mount point.
const BasePath = "/sys/fs/cgroup"

// defaultController is the controller used to check whether a cgroup exists
// and to list its pids.
const defaultController = "systemd"

// ErrDisappeared indicates the cgroup or process vanished mid-read, e.g. the
// user logged out between listing and sampling. Expected; callers skip the
// entity for the tick.
var ErrDisappeared = errors.New("cgroup or process disappeared")

// ErrDenied indicates Arbiter lacks the privileges to read or write the
// file.
var ErrDenied = errors.New("permission denied")

// Target identifies what to sample: a user's slice, the union-of-users
// slice, or an arbitrary named cgroup.
type Target struct {
	kind   targetKind
	uid    int
	name   string
	parent string
}

type targetKind int

const (
	targetUser targetKind = iota
	targetAggregate
	targetArbitrary
)

// UserTarget returns the target for user-<uid>.slice.
func UserTarget(uid int) Target {
	return Target{kind: targetUser, uid: uid, name: fmt.Sprintf("user-%d.slice", uid), parent: "user.slice"}
}

// AggregateTarget returns the target for user.slice, the parent of every
// user's cgroup.
func AggregateTarget() Target {
	return Target{kind: targetAggregate, name: "user.slice"}
}

// ArbitraryTarget returns the target for any other cgroup in the hierarchy.
func ArbitraryTarget(name, parent string) Target {
	return Target{kind: targetArbitrary, name: name, parent: parent}
}

// Name returns the cgroup's name, e.g. "user-1000.slice".
func (t Target) Name() string { return t.name }

// UID returns the uid of a user target, or -1 otherwise.
func (t Target) UID() int {
	if t.kind != targetUser {
		return -1
	}
	return t.uid
}

func (t Target) controllerPath(controller, cgfile string) string {
	parts := []string{BasePath, controller, t.parent, t.name, cgfile}
	nonEmpty := parts[:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "/")
}

// Adapter reads and writes the cgroup hierarchy for one machine.
type Adapter struct {
	facts Facts

	// Memsw includes swap in memory readings and quota writes
	Memsw bool

	// Kmem adds kernel memory from memory.kmem.usage_in_bytes to readings
	Kmem bool

	// Pss reads proportional set size for processes (needs CAP_SYS_PTRACE)
	Pss bool
}

// NewAdapter returns an adapter bound to the given host facts.
func NewAdapter(facts Facts, memsw, kmem, pss bool) *Adapter {
	return &Adapter{facts: facts, Memsw: memsw, Kmem: kmem, Pss: pss}
}

// Facts returns the immutable host facts the adapter was built with.
func (a *Adapter) Facts() Facts { return a.facts }

// Active returns whether the target currently exists in the hierarchy.
func (a *Adapter) Active(t Target) bool {
	_, err := os.Stat(t.controllerPath(defaultController, ""))
	return err == nil
}

// Sample reads the target's cumulative counters. The snapshot's timestamp
// carries a monotonic clock reading.
func (a *Adapter) Sample(t Target) (usage.Snapshot, error) {
	at := time.Now()

	cputime, err := a.cpuTimeNS(t)
	if err != nil {
		return usage.Snapshot{}, err
	}
	memBytes, err := a.memUsageBytes(t)
	if err != nil {
		return usage.Snapshot{}, err
	}
	pids, err := a.Pids(t)
	if err != nil {
		return usage.Snapshot{}, err
	}

	return usage.Snapshot{
		Name:        t.name,
		At:          at,
		CPUTimeNS:   cputime,
		MemoryBytes: memBytes,
		Pids:        pids,
	}, nil
}

// cpuTimeNS sums cpuacct.usage_percpu over every core.
func (a *Adapter) cpuTimeNS(t Target) (int64, error) {
	raw, err := readCgroupFile(t.controllerPath("cpuacct", "cpuacct.usage_percpu"))
	if err != nil {
		return 0, err
	}
	var total int64
	for _, field := range strings.Fields(raw) {
		v, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed cpuacct.usage_percpu for %s: %w", t.name, err)
		}
		total += v
	}
	return total, nil
}

var memStatRe = regexp.MustCompile(`(?m)^(total_rss|total_mapped_file|total_swap|total_cache) (\d+)$`)

// memUsageBytes aggregates anonymous rss and file-backed mapped memory from
// memory.stat, plus swap and kernel memory when configured.
// memory.usage_in_bytes is deliberately not used: it includes page cache and
// is a fuzz value coalesced across cores.
func (a *Adapter) memUsageBytes(t Target) (int64, error) {
	raw, err := readCgroupFile(t.controllerPath("memory", "memory.stat"))
	if err != nil {
		return 0, err
	}

	var total int64
	for _, match := range memStatRe.FindAllStringSubmatch(raw, -1) {
		key := match[1]
		include := key == "total_rss" || key == "total_mapped_file" ||
			(a.Memsw && key == "total_swap")
		if !include {
			continue
		}
		v, _ := strconv.ParseInt(match[2], 10, 64)
		total += v
	}

	if a.Kmem {
		raw, err := readCgroupFile(t.controllerPath("memory", "memory.kmem.usage_in_bytes"))
		if err != nil {
			return 0, err
		}
		v, _ := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		total += v
	}
	return total, nil
}

// Pids lists the pids in the target's cgroup, including pids inside
// per-session scopes when session@scope is in use.
func (a *Adapter) Pids(t Target) ([]int, error) {
	pids, err := readPidFile(t.controllerPath(defaultController, "cgroup.procs"))
	if err != nil {
		return nil, err
	}
	scopes, _ := filepath.Glob(t.controllerPath(defaultController, "") + "/*.scope/cgroup.procs")
	for _, scope := range scopes {
		scopePids, err := readPidFile(scope)
		if err != nil {
			// a session can end between the glob and the read
			continue
		}
		pids = append(pids, scopePids...)
	}
	return pids, nil
}

// ListActiveUIDs returns the uids at or above minUID that currently have an
// active cgroup.
func (a *Adapter) ListActiveUIDs(minUID int) ([]int, error) {
	pattern := filepath.Join(BasePath, defaultController, "user.slice", "user-*.slice")
	slices, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	uids := make([]int, 0, len(slices))
	for _, slice := range slices {
		base := filepath.Base(slice)
		raw := strings.TrimSuffix(strings.TrimPrefix(base, "user-"), ".slice")
		uid, err := strconv.Atoi(raw)
		if err != nil || uid < minUID {
			continue
		}
		uids = append(uids, uid)
	}
	return uids, nil
}

// CPUQuota reads the current cpu quota as a percent of one core. Returns a
// negative value if no quota is set.
func (a *Adapter) CPUQuota(t Target) (float64, error) {
	quota, err := readCgroupInt(t.controllerPath("cpuacct", "cpu.cfs_quota_us"))
	if err != nil {
		return 0, err
	}
	period, err := readCgroupInt(t.controllerPath("cpuacct", "cpu.cfs_period_us"))
	if err != nil {
		return 0, err
	}
	return float64(quota) / float64(period) * 100, nil
}

// MemQuota reads the current memory quota in bytes.
func (a *Adapter) MemQuota(t Target, memsw bool) (int64, error) {
	file := "memory.limit_in_bytes"
	if memsw {
		file = "memory.memsw.limit_in_bytes"
	}
	return readCgroupInt(t.controllerPath("memory", file))
}

// SetCPUQuota writes the cpu quota as a percent of one core, scaled by the
// cfs period.
func (a *Adapter) SetCPUQuota(t Target, pct float64) error {
	period, err := readCgroupInt(t.controllerPath("cpuacct", "cpu.cfs_period_us"))
	if err != nil {
		return err
	}
	raw := int64(pct / 100 * float64(period))
	return writeCgroupFile(t.controllerPath("cpuacct", "cpu.cfs_quota_us"), raw)
}

// SetMemQuota writes the memory quota as a percent of the machine's total
// memory. With memsw on, both limit files are written and the order depends
// on the direction of change: the kernel requires the combined limit to stay
// at or above the main limit at every point.
func (a *Adapter) SetMemQuota(t Target, pct float64, memsw bool) error {
	raw := int64(float64(a.facts.TotalMemBytes) * pct / 100)
	files := []string{"memory.limit_in_bytes"}
	if memsw {
		current, err := a.MemQuota(t, true)
		if err != nil {
			return err
		}
		if raw >= current {
			files = append([]string{"memory.memsw.limit_in_bytes"}, files...)
		} else {
			files = append(files, "memory.memsw.limit_in_bytes")
		}
	}
	for _, file := range files {
		if err := writeCgroupFile(t.controllerPath("memory", file), raw); err != nil {
			return err
		}
	}
	return nil
}

func readCgroupFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", classify(err, path)
	}
	return string(raw), nil
}

func readCgroupInt(path string) (int64, error) {
	raw, err := readCgroupFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed cgroup file %s: %w", path, err)
	}
	return v, nil
}

func readPidFile(path string) ([]int, error) {
	raw, err := readCgroupFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Fields(raw)
	pids := make([]int, 0, len(lines))
	for _, line := range lines {
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func writeCgroupFile(path string, value int64) error {
	err := os.WriteFile(path, []byte(strconv.FormatInt(value, 10)), 0o644)
	if err != nil {
		return classify(err, path)
	}
	return nil
}

// classify maps raw filesystem errors onto the adapter's error kinds so
// callers can errors.Is against them.
func classify(err error, path string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", path, ErrDisappeared)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s: %w", path, ErrDenied)
	default:
		return err
	}
}
