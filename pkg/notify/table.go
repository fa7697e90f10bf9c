package notify

import (
	"fmt"
	"sort"

	"github.com/chpc-uofu/arbiter/pkg/collector"
	"github.com/chpc-uofu/arbiter/pkg/usage"
	"github.com/jedib0t/go-pretty/v6/table"
)

// topProcesses merges same-named processes across the user's history,
// averages them, and returns the heaviest ones relative to the user's
// quotas, capped at cap entries.
func topProcesses(user *collector.User, events, cap int) []usage.Process {
	merged := map[string]usage.Process{}
	counted := 0
	for i := 0; i < len(user.History) && i < events; i++ {
		counted++
		for _, proc := range user.History[i].Pids {
			if existing, ok := merged[proc.Name]; ok {
				merged[proc.Name] = existing.Add(proc)
			} else {
				merged[proc.Name] = proc
			}
		}
	}
	if counted == 0 {
		return nil
	}

	procs := make([]usage.Process, 0, len(merged))
	for _, proc := range merged {
		procs = append(procs, proc.Div(counted))
	}

	// rank relative to the quotas: a process at half the memory quota is as
	// interesting as one at half the cpu quota, whatever the units
	relUsage := func(p usage.Process) float64 {
		rel := 0.0
		if user.CPUQuota > 0 {
			rel += p.Usage.CPU / user.CPUQuota
		}
		if user.MemQuota > 0 {
			rel += p.Usage.Mem / user.MemQuota
		}
		return rel
	}
	sort.Slice(procs, func(i, j int) bool {
		ri, rj := relUsage(procs[i]), relUsage(procs[j])
		if ri != rj {
			return ri > rj
		}
		return procs[i].Name < procs[j].Name
	})

	if cap > 0 && len(procs) > cap {
		procs = procs[:cap]
	}
	return procs
}

// processTable renders the user's top processes as an HTML table for the
// warning email body.
func (n *Notifier) processTable(user *collector.User) string {
	procs := topProcesses(user, n.cfg.General.HistoryPerRefresh, n.cfg.Email.TableProcessCap)

	t := table.NewWriter()
	t.AppendHeader(table.Row{"Process", "Average core usage (%)", "Average memory (GB)"})
	for _, proc := range procs {
		name := proc.Name
		if proc.Count > 1 {
			name = fmt.Sprintf("%s (%d)", name, proc.Count)
		}
		t.AppendRow(table.Row{
			name,
			fmt.Sprintf("%.2f", proc.Usage.CPU),
			fmt.Sprintf("%.2f", n.facts.PctToGB(proc.Usage.Mem)),
		})
	}
	return t.RenderHTML()
}
