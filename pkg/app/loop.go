package app

import (
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/chpc-uofu/arbiter/pkg/badness"
	"github.com/chpc-uofu/arbiter/pkg/collector"
	"github.com/chpc-uofu/arbiter/pkg/enforcer"
	"github.com/chpc-uofu/arbiter/pkg/notify"
	"github.com/chpc-uofu/arbiter/pkg/statusdb"
	"github.com/chpc-uofu/arbiter/pkg/statuses"
	"github.com/chpc-uofu/arbiter/pkg/usage"
)

// Run drives the main refresh loop until the exit file is touched or a
// SIGTERM arrives, both honored at tick boundaries. Returns the process exit
// code.
//
// The loop is a single logical worker: one refresh tick at a time, each tick
// sampling, then deciding, then enforcing, then syncing. The in-memory user
// table is owned by this goroutine alone.
func (app *App) Run() int {
	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)

	// a crash can leave rows behind that violate the store invariants
	if err := app.Sync.CleanupStore(); err != nil {
		app.Log.WithError(err).Warn("Could not clean up stale statusdb rows")
	}

	// badness survives restarts through the store, within a freshness window
	storedBadness, err := app.DB.LoadBadness()
	if err != nil {
		app.Log.WithError(err).Warn("Could not load stored badness; starting from zero")
		storedBadness = nil
	}

	for {
		aggregate, users := app.Collector.Run()

		if app.ExitFile != nil && app.ExitFile.HasBeenUpdated() {
			return ExitCodeExitFile
		}
		select {
		case sig := <-sigterm:
			app.Log.Infof("Received %s; exiting at tick boundary", sig)
			return ExitCodeExitFile
		default:
		}

		app.tick(aggregate, users, storedBadness)
	}
}

// tick runs one full evaluation of every user. Ordering within a tick is
// load-bearing: history append happens-before badness update happens-before
// status evaluation happens-before enforcement happens-before store writes
// happens-before peer sync.
func (app *App) tick(aggregate usage.Averaged, users map[int]*collector.User, storedBadness map[int]badness.Badness) {
	now := time.Now()
	var pendingMail []func()

	// iterate in uid order so two runs over the same state log and write
	// identically
	uids := make([]int, 0, len(users))
	for uid := range users {
		uids = append(uids, uid)
	}
	sort.Ints(uids)

	for _, uid := range uids {
		user := users[uid]

		if user.IsNew() {
			app.Log.Debugf("%s is new and has status: %s", user.UIDName, user.Status.String())
			app.importBadness(user, storedBadness, now)
		}

		active := app.Adapter.Active(user.Target)
		inPenalty := app.Manager.InPenalty(user.Status)

		switch {
		case active || user.Badness.IsBad() || inPenalty:
			app.addBadness(user, inPenalty, now)
			app.evaluate(user, now, &pendingMail)
		case !active && user.Badness.IsGood() && !inPenalty:
			app.Log.Debugf("No longer tracking %s (logged out and had good behavior)", user.UIDName)
			app.Collector.DeleteUser(uid)
			delete(users, uid)
		}
	}

	app.enforce(users)
	app.writeBadness(users)
	app.synchronize(users)

	for _, send := range pendingMail {
		send()
	}

	app.HighUsage.Observe(aggregate.Usage, users)
}

// importBadness seeds a new user with their stored score, provided it is
// nonzero and fresh enough to still mean anything.
func (app *App) importBadness(user *collector.User, stored map[int]badness.Badness, now time.Time) {
	b, ok := stored[user.UID]
	if !ok || b.IsGood() {
		return
	}
	if b.Expired(app.Config.UserConfig.Badness.ImportedBadnessTimeout, now) {
		return
	}
	app.Log.Debugf("%s's badness is being imported: %s", user.UIDName, b.String())
	user.SetBadness(b)
	delete(stored, user.UID)
}

// addBadness runs the badness engine for one user and records the result in
// their history.
func (app *App) addBadness(user *collector.User, inPenalty bool, now time.Time) {
	busage := app.Collector.BadnessUsage(user)
	quotas := usage.Usage{CPU: user.CPUQuota, Mem: user.MemQuota}
	delta := app.Engine.Update(&user.Badness, busage, quotas, inPenalty, now)
	user.AddBadness(user.Badness, delta, now.Unix())
}

// evaluate applies the state machine's decision for one user. Mail is queued
// rather than sent so notifications go out after this tick's store writes
// and sync, never before.
func (app *App) evaluate(user *collector.User, now time.Time, pendingMail *[]func()) {
	action := app.Manager.Evaluate(user.Status, user.Badness, now)

	switch action {
	case statuses.ActionNone:
		if app.Manager.InPenalty(user.Status) {
			spent := now.Unix() - user.Status.Timestamp
			app.Log.Debugf("%s has spent %d seconds in penalty of a required %d",
				user.UIDName, spent, app.Manager.PenaltyTimeout(user.Status))
		} else if user.Badness.IsBad() {
			app.Log.Debugf("%s has nonzero badness: %s", user.UIDName, user.Badness.String())
			app.ServiceLog.Infof("User %s has nonzero badness: %.1f", user.UIDName, user.Badness.Score())
		}

	case statuses.ActionUpgradePenalty:
		app.upgradePenalty(user, now, pendingMail)

	case statuses.ActionResetOccurTimeout:
		app.Manager.ResetOccurrencesTimeout(&user.Status, now)
		app.writeUserStatus(user)
		app.Log.Infof("Resetting the occurrences timeout of %s", user.UIDName)
		app.ServiceLog.Infof("User %s penalty occurrences timeout has been reset due to nonzero badness", user.UIDName)

	case statuses.ActionLowerOccurrences:
		occurrences := app.Manager.LowerOccurrences(&user.Status, now)
		app.writeUserStatus(user)
		app.Log.Infof("Lowering the occurrences count of %s", user.UIDName)
		app.ServiceLog.Infof("User %s penalty occurrences has lowered to: %d", user.UIDName, occurrences)

	case statuses.ActionDowngradePenalty:
		app.downgradePenalty(user, now, pendingMail)
	}
}

func (app *App) upgradePenalty(user *collector.User, now time.Time, pendingMail *[]func()) {
	app.Log.Infof("Increasing the penalty status of %s", user.UIDName)
	if !user.Status.Authoritative(app.Facts.Hostname) {
		app.Log.Debugf("Overriding previous authority %s of %s to upgrade penalty on %s",
			user.Status.Authority, user.UIDName, app.Facts.Hostname)
	}

	prevQuotas := app.Manager.Quotas(user.Status)
	badnessStarted := user.Badness.StartOfBadTS
	newGroup := app.Manager.UpgradePenalty(&user.Status, now)

	// Penalized users are not evaluated; drop the score to zero now and make
	// sure the store sees it. Otherwise a store plus daemon failure would
	// hand the user a 100 badness the moment their penalty lifts.
	user.SetBadness(badness.New(0, 0, now.Unix()))
	app.writeUserStatus(user)
	if err := app.DB.UpsertBadnessBatch(map[int]badness.Badness{user.UID: user.Badness}); err != nil {
		app.Log.WithError(err).Debugf("Failed to clear stored badness for %s", user.UIDName)
	}

	newQuotas := app.Manager.Quotas(user.Status)
	props, _ := app.Manager.GroupProps(newGroup)
	hosts := app.DB.KnownSyncingHosts()

	event := notify.WarnEvent{
		User:           user,
		NewGroup:       newGroup,
		Expression:     props.Expression,
		PrevQuotas:     prevQuotas,
		NewQuotas:      newQuotas,
		BadnessStarted: badnessStarted,
		Hosts:          hosts,
	}
	*pendingMail = append(*pendingMail, func() { app.Notifier.Warn(event) })
	app.ServiceLog.Infof("User %s was put in: %s", user.UIDName, newGroup)
}

func (app *App) downgradePenalty(user *collector.User, now time.Time, pendingMail *[]func()) {
	app.Log.Infof("Decreasing the penalty status of %s", user.UIDName)

	// Downgrading claims authority, but whether to email is decided by who
	// held authority going in: the host that raised the penalty sends the
	// all-clear.
	wasAuthoritative := user.Status.Authoritative(app.Facts.Hostname)
	oldAuthority := user.Status.Authority
	newGroup := app.Manager.DowngradePenalty(&user.Status, now)

	// A fresh start. The score should already be zero from the violation,
	// but a store failure back then must not leave old badness behind.
	user.SetBadness(badness.New(0, 0, now.Unix()))
	app.writeUserStatus(user)
	if err := app.DB.UpsertBadnessBatch(map[int]badness.Badness{user.UID: user.Badness}); err != nil {
		app.Log.WithError(err).Debugf("Failed to clear stored badness for %s", user.UIDName)
	}

	if wasAuthoritative {
		*pendingMail = append(*pendingMail, func() { app.Notifier.Nice(user, newGroup) })
		app.ServiceLog.Infof("User %s is now in: %s", user.UIDName, newGroup)
	} else {
		app.Log.Debugf("Not sending emails because %s is not authoritative on %s (%s is)",
			user.UIDName, app.Facts.Hostname, oldAuthority)
	}
}

// writeUserStatus persists one user's status immediately, outside the bulk
// sync path. Used sparingly, on transitions, where losing the write to a
// crash would misprice the user's state on restart.
func (app *App) writeUserStatus(user *collector.User) {
	persistable := !app.Manager.IsEmpty(user.Status, user.UID, user.GIDs)
	if err := app.DB.WriteStatus(user.UID, user.Status, persistable); err != nil {
		app.Log.WithError(err).Debugf("Failed to update status in statusdb for %s", user.UIDName)
	}
}

// enforce drives every tracked user's cgroup toward their current status
// group's quotas. The enforcer skips writes that are already mostly equal.
func (app *App) enforce(users map[int]*collector.User) {
	for _, user := range users {
		if !app.Adapter.Active(user.Target) {
			continue
		}
		desired := app.Manager.Quotas(user.Status)
		fallback := app.Manager.DefaultQuotas(user.Status)
		result := app.Enforcer.Apply(user.Target, user.UIDName, desired, fallback)
		if result.Mem == enforcer.FallbackOnly {
			app.Log.Infof("Penalty memory limit for %s could not be realized this tick; fallback applied", user.UIDName)
		}
	}
}

func (app *App) writeBadness(users map[int]*collector.User) {
	scores := make(map[int]badness.Badness, len(users))
	for uid, user := range users {
		scores[uid] = user.Badness
	}
	if err := app.DB.UpsertBadnessBatch(scores); err != nil {
		app.Log.WithError(err).Debug("Failed to write badness batch; will retry next tick")
	}
}

// synchronize reconciles local statuses with the store: first against our
// own rows (external overrides), then against every peer's. Store failures
// isolate to this tick; the next tick re-reads full state.
func (app *App) synchronize(users map[int]*collector.User) {
	locals := make([]statusdb.LocalStatus, 0, len(users))
	for _, user := range users {
		locals = append(locals, statusdb.LocalStatus{
			UID:    user.UID,
			GIDs:   user.GIDs,
			Status: &user.Status,
		})
	}

	if err := app.Sync.SyncFromSelf(locals); err != nil {
		app.Log.WithError(err).Debug("Self sync failed; skipping for this tick")
		return
	}
	adopted, err := app.Sync.SyncFromPeers(locals)
	if err != nil {
		app.Log.WithError(err).Debug("Peer sync failed; skipping for this tick")
		return
	}
	for uid, host := range adopted {
		if host != app.Facts.Hostname {
			app.Log.Infof("Adopted %s's status for uid %d", host, uid)
		}
	}
}
