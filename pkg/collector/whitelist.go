package collector

import (
	"os"
	"strings"

	"github.com/chpc-uofu/arbiter/pkg/config"
	"github.com/chpc-uofu/arbiter/pkg/usage"
	"github.com/samber/lo"
)

// Whitelist answers whether a process's usage counts toward badness. Each
// status group gets the global whitelist plus its own additions; the
// per-group sets are computed once at startup.
type Whitelist struct {
	perGroup    map[string]map[string]struct{}
	ownerUIDs   map[int]struct{}
	globalFiles []string
}

// NewWhitelist builds the per-group whitelist sets from the config. Missing
// whitelist files are skipped silently; an admin clearing the file list by
// deleting the file is long-standing behavior.
func NewWhitelist(cfg *config.Config) *Whitelist {
	w := &Whitelist{
		perGroup:  map[string]map[string]struct{}{},
		ownerUIDs: map[int]struct{}{},
	}
	for _, uid := range cfg.Processes.ProcOwnerWhitelist {
		w.ownerUIDs[uid] = struct{}{}
	}

	groups := append(append([]string{}, cfg.Status.Order...), cfg.Status.Penalty.Order...)
	for _, group := range groups {
		props, ok := cfg.Status.Groups[group]
		if !ok {
			props = cfg.Status.Penalty.Groups[group]
		}

		set := map[string]struct{}{}
		for _, name := range cfg.Processes.Whitelist {
			set[name] = struct{}{}
		}
		for _, name := range props.Whitelist {
			set[name] = struct{}{}
		}
		if cfg.Processes.WhitelistOtherProcesses {
			set[usage.OtherProcessesLabel] = struct{}{}
		}
		for _, file := range []string{cfg.Processes.WhitelistFile, props.WhitelistFile} {
			for _, name := range readWhitelistFile(file) {
				set[name] = struct{}{}
			}
		}
		w.perGroup[group] = set
	}
	return w
}

func readWhitelistFile(path string) []string {
	if path == "" {
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return lo.FilterMap(strings.Split(string(content), "\n"), func(line string, _ int) (string, bool) {
		trimmed := strings.TrimSpace(line)
		return trimmed, trimmed != ""
	})
}

// IsWhitelisted returns whether the process's usage is exempt for a user in
// the given status group, either by name or by process owner.
func (w *Whitelist) IsWhitelisted(proc usage.Process, group string) bool {
	if _, ok := w.ownerUIDs[proc.Owner]; ok {
		return true
	}
	set := w.perGroup[group]
	_, ok := set[strings.TrimRight(proc.Name, "*")]
	return ok
}

// Mark annotates whitelisted process names with a trailing asterisk, the
// convention users see in warning emails.
func (w *Whitelist) Mark(pids map[int]usage.Process, group string) {
	for pid, proc := range pids {
		if w.IsWhitelisted(proc, group) && !strings.HasSuffix(proc.Name, "*") {
			proc.Name += "*"
			pids[pid] = proc
		}
	}
}
