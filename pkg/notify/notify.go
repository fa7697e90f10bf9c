// Package notify composes and delivers Arbiter's three notification kinds:
// warnings when a user is put in penalty, all-clears when they come out, and
// machine-wide high usage alerts for administrators.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/chpc-uofu/arbiter/pkg/cgroups"
	"github.com/chpc-uofu/arbiter/pkg/collector"
	"github.com/chpc-uofu/arbiter/pkg/config"
	"github.com/chpc-uofu/arbiter/pkg/usage"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Notifier turns state transitions into email. Every method is a pure
// function of the state at emission plus the config; no notifier error is
// ever allowed to skip enforcement.
type Notifier struct {
	cfg    *config.Config
	facts  cgroups.Facts
	sender Sender
	log    *logrus.Entry
}

// New returns a notifier delivering through the given sender.
func New(cfg *config.Config, facts cgroups.Facts, sender Sender, log *logrus.Entry) *Notifier {
	return &Notifier{cfg: cfg, facts: facts, sender: sender, log: log}
}

// WarnEvent carries everything a penalty warning says.
type WarnEvent struct {
	User *collector.User

	// NewGroup is the penalty group the user moved into
	NewGroup string

	// Expression is the penalty group's severity label, e.g. "repeated"
	Expression string

	// PrevQuotas and NewQuotas are the quotas before and after the penalty:
	// cpu in percent of a core, memory in percent of the machine
	PrevQuotas usage.Usage
	NewQuotas  usage.Usage

	// BadnessStarted is the epoch when the user's badness began accruing
	BadnessStarted int64

	// Hosts is the set of hosts in the sync group the quotas apply on
	Hosts []string
}

// Warn emails a user that they have been put in (or moved up in) penalty.
func (n *Notifier) Warn(event WarnEvent) {
	user := event.User
	subject := fmt.Sprintf("Usage violation (%s) on %s for %s",
		event.Expression, n.facts.Hostname, user.Username)

	var body strings.Builder
	fmt.Fprintf(&body, "<p>Hello %s,</p>", user.Username)
	fmt.Fprintf(&body,
		"<p>Your usage on %s has exceeded the allowed limits for sustained periods "+
			"(since %s), and your resource limits have been lowered as a result. "+
			"This is a %s violation.</p>",
		n.facts.Hostname,
		time.Unix(event.BadnessStarted, 0).Format("Mon Jan 2 15:04:05 2006"),
		event.Expression)
	fmt.Fprintf(&body, "<p>Your limits on %s are now:</p>", FormatHostRange(event.Hosts))
	fmt.Fprintf(&body, "<ul><li>CPU: %.0f%% of a core (was %.0f%%)</li>"+
		"<li>Memory: %s (was %s)</li></ul>",
		event.NewQuotas.CPU, event.PrevQuotas.CPU,
		humanize.IBytes(uint64(float64(n.facts.TotalMemBytes)*event.NewQuotas.Mem/100)),
		humanize.IBytes(uint64(float64(n.facts.TotalMemBytes)*event.PrevQuotas.Mem/100)))
	fmt.Fprintf(&body,
		"<p>Normal limits will be restored after %s of compliance. "+
			"The processes that contributed to this violation:</p>",
		(time.Duration(n.penaltyTimeout(event.NewGroup)) * time.Second).String())
	body.WriteString(n.processTable(user))
	body.WriteString("<p>Recent usage:</p>")
	body.WriteString(n.usagePlot(user))
	body.WriteString("<p>Processes marked with * are whitelisted and did not count toward the violation.</p>")

	n.send([]string{n.userEmail(user.Username)}, subject, body.String())
}

// Nice emails a user that their penalty has been lifted. Only the
// authoritative host calls this.
func (n *Notifier) Nice(user *collector.User, restoredGroup string) {
	subject := fmt.Sprintf("Limits restored on %s for %s", n.facts.Hostname, user.Username)
	body := fmt.Sprintf(
		"<p>Hello %s,</p><p>Your penalty period has ended and your usage limits on %s "+
			"have been restored to those of the %s status group. Thank you for your patience.</p>",
		user.Username, n.facts.Hostname, restoredGroup)
	n.send([]string{n.userEmail(user.Username)}, subject, body)
}

// HighUsage emails the administrators that the machine as a whole is
// saturated, listing the top users by combined usage.
func (n *Notifier) HighUsage(aggregate usage.Usage, topUsers []*collector.User) {
	subject := fmt.Sprintf("High usage on %s", n.facts.Hostname)

	var body strings.Builder
	fmt.Fprintf(&body,
		"<p>Overall usage on %s is high: cpu %.0f%%, memory %.0f%% (%s).</p>",
		n.facts.Hostname, aggregate.CPU, aggregate.Mem,
		humanize.IBytes(uint64(float64(n.facts.TotalMemBytes)*aggregate.Mem/100)))
	body.WriteString("<p>Top users:</p><ul>")
	for _, user := range topUsers {
		fmt.Fprintf(&body, "<li>%s: cpu %.0f%%, mem %.1f%%</li>",
			user.UIDName, user.CPUUsage, user.MemUsage)
	}
	body.WriteString("</ul>")

	n.send(n.cfg.Email.AdminEmails, subject, body.String())
}

// send delivers best-effort. In debug mode everything is redirected to the
// administrators so a trial run never mails real users.
func (n *Notifier) send(to []string, subject, body string) {
	if n.cfg.General.DebugMode {
		subject = "[DEBUG] " + subject
		to = n.cfg.Email.AdminEmails
	}
	if len(to) == 0 {
		n.log.Debugf("No recipients for %q; not sending", subject)
		return
	}
	if err := n.sender.Send(to, subject, body); err != nil {
		n.log.WithError(err).Warnf("Unable to send message %q", subject)
	}
}

// userEmail builds the user's address from the configured from address's
// domain, e.g. from arbiter@cluster.edu comes user@cluster.edu.
func (n *Notifier) userEmail(username string) string {
	if _, domain, found := strings.Cut(n.cfg.Email.FromEmail, "@"); found {
		return username + "@" + domain
	}
	return username
}

func (n *Notifier) penaltyTimeout(group string) int64 {
	if props, ok := n.cfg.Status.Penalty.Groups[group]; ok {
		return props.Timeout
	}
	return 0
}
