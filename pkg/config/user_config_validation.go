package config

import (
	"fmt"

	"github.com/samber/lo"
)

// Validate checks the config for the kinds of mistakes that would otherwise
// surface as confusing behavior hours into a run. A validation error is fatal
// at startup and the process exits with status 2.
func (config *Config) Validate() error {
	if config.General.ArbiterRefresh <= 0 {
		return fmt.Errorf("general.arbiter_refresh must be positive, got %d", config.General.ArbiterRefresh)
	}
	if config.General.HistoryPerRefresh <= 0 {
		return fmt.Errorf("general.history_per_refresh must be positive, got %d", config.General.HistoryPerRefresh)
	}
	if config.General.Poll < 2 {
		// two readings of a cumulative counter are the minimum to make a rate
		config.General.Poll = 2
	}

	if config.Badness.CPUBadnessThreshold <= 0 || config.Badness.CPUBadnessThreshold > 1 {
		return fmt.Errorf("badness.cpu_badness_threshold must be in (0, 1], got %v", config.Badness.CPUBadnessThreshold)
	}
	if config.Badness.MemBadnessThreshold <= 0 || config.Badness.MemBadnessThreshold > 1 {
		return fmt.Errorf("badness.mem_badness_threshold must be in (0, 1], got %v", config.Badness.MemBadnessThreshold)
	}
	if config.Badness.TimeToMaxBad <= 0 || config.Badness.TimeToMinBad <= 0 {
		return fmt.Errorf("badness.time_to_max_bad and badness.time_to_min_bad must be positive")
	}
	if config.Badness.MaxHistoryKept <= 0 {
		return fmt.Errorf("badness.max_history_kept must be positive, got %d", config.Badness.MaxHistoryKept)
	}

	if len(config.Status.Order) == 0 {
		return fmt.Errorf("status.order must name at least one status group")
	}
	if !lo.Contains(config.Status.Order, config.Status.FallbackStatus) {
		return fmt.Errorf("status.fallback_status %q is not in status.order", config.Status.FallbackStatus)
	}
	for _, name := range config.Status.Order {
		if _, ok := config.Status.Groups[name]; !ok {
			return fmt.Errorf("status group %q is in status.order but has no definition", name)
		}
	}
	for name, group := range config.Status.Groups {
		if group.CPUQuota <= 0 || group.MemQuota <= 0 {
			return fmt.Errorf("status group %q must have positive cpu_quota and mem_quota", name)
		}
	}

	if len(config.Status.Penalty.Order) == 0 {
		return fmt.Errorf("status.penalty.order must name at least one penalty group")
	}
	for _, name := range config.Status.Penalty.Order {
		group, ok := config.Status.Penalty.Groups[name]
		if !ok {
			return fmt.Errorf("penalty group %q is in penalty.order but has no definition", name)
		}
		if group.Timeout <= 0 {
			return fmt.Errorf("penalty group %q must have a positive timeout", name)
		}
		if lo.Contains(config.Status.Order, name) {
			return fmt.Errorf("%q cannot be both a status group and a penalty group", name)
		}
	}

	if config.HighUsageWatcher.HighUsageWatcher {
		if config.HighUsageWatcher.ThresholdPeriod <= 0 {
			return fmt.Errorf("high_usage_watcher.threshold_period must be positive")
		}
		if len(config.Email.AdminEmails) == 0 {
			return fmt.Errorf("high_usage_watcher requires email.admin_emails to be set")
		}
	}

	return nil
}
