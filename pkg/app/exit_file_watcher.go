package app

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// ExitFileWatcher watches a file for modification-time changes. Touching the
// file makes the daemon exit at the next tick boundary with status 143, a
// hack that lets systemd restart Arbiter with new config without anyone
// needing to log into every node. Only touches by the configured group count,
// so a stray user can't restart the daemon.
type ExitFileWatcher struct {
	filepath   string
	groupOwner string
	lastUpdate time.Time
	log        *logrus.Entry
}

// NewExitFileWatcher returns a watcher primed with the file's current
// modification time. A missing file is fine; it can appear later.
func NewExitFileWatcher(path, groupOwner string, log *logrus.Entry) *ExitFileWatcher {
	w := &ExitFileWatcher{
		filepath:   absOrSame(path),
		groupOwner: groupOwner,
		log:        log,
	}
	if modtime, err := w.modtime(); err == nil {
		w.lastUpdate = modtime
	}
	return w
}

func absOrSame(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// HasBeenUpdated returns whether the exit file's modification time advanced
// and the file is owned by the configured group.
func (w *ExitFileWatcher) HasBeenUpdated() bool {
	if w.filepath == "" {
		return false
	}
	owned, err := w.ownedByGroup()
	if err != nil || !owned {
		return false
	}
	modtime, err := w.modtime()
	if err != nil {
		return false
	}
	updated := modtime.After(w.lastUpdate)
	if updated {
		w.log.Errorf("Exit file %s was updated at %s; exiting", w.filepath, modtime.UTC().Format(time.RFC3339))
	}
	return updated
}

func (w *ExitFileWatcher) ownedByGroup() (bool, error) {
	info, err := os.Stat(w.filepath)
	if err != nil {
		return false, err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false, fmt.Errorf("no stat info for %s", w.filepath)
	}
	group, err := user.LookupGroupId(fmt.Sprint(stat.Gid))
	if err != nil {
		return false, err
	}
	return group.Name == w.groupOwner, nil
}

func (w *ExitFileWatcher) modtime() (time.Time, error) {
	info, err := os.Stat(w.filepath)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
