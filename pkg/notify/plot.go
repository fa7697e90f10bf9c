package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chpc-uofu/arbiter/pkg/collector"
	"github.com/jesseduffield/asciigraph"
)

// usagePlot renders the user's usage history as text plots embedded in the
// email body. The plot is also written under the configured plot location;
// unless keep_plots is set it exists only long enough to be debugged after a
// complaint and is removed the next time a plot for the same user renders.
func (n *Notifier) usagePlot(user *collector.User) string {
	// history is newest first; plots read left to right in time
	count := len(user.History)
	cpuSeries := make([]float64, count)
	memSeries := make([]float64, count)
	for i, event := range user.History {
		cpuSeries[count-1-i] = event.Usage.CPU
		memSeries[count-1-i] = event.Usage.Mem
	}
	if count < 2 {
		return "<p>(not enough history for a plot)</p>"
	}

	cpuPlot := asciigraph.Plot(cpuSeries,
		asciigraph.Height(10),
		asciigraph.Min(0),
		asciigraph.Caption(fmt.Sprintf("CPU (%% of a core), quota %.0f%%", user.CPUQuota)),
	)
	memPlot := asciigraph.Plot(memSeries,
		asciigraph.Height(10),
		asciigraph.Min(0),
		asciigraph.Caption(fmt.Sprintf("Memory (%% of machine), quota %.1f%%", user.MemQuota)),
	)

	rendered := cpuPlot + "\n\n" + memPlot
	n.savePlot(user.Username, rendered)
	return "<pre>" + rendered + "</pre>"
}

func (n *Notifier) savePlot(username, rendered string) {
	dir := n.cfg.Email.PlotLocation
	if dir == "" {
		return
	}
	name := fmt.Sprintf("%s_%s_usage.txt", time.Now().Format("2006-01-02T15:04:05"), username)

	if !n.cfg.Email.KeepPlots {
		stale, _ := filepath.Glob(filepath.Join(dir, "*_"+username+"_usage.txt"))
		for _, path := range stale {
			os.Remove(path)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(rendered), 0o644); err != nil {
		n.log.WithError(err).Debugf("Unable to save usage plot for %s", username)
	}
}
