// Package administrator implements the supplemented administrator task
// (spec.md §1, "the administrator thread that timer-drives rule
// submission"; SPEC_FULL §12): a file-driven process that reads the
// policies-rules-file (spec.md §6, "time_seconds rule_tokens…") once at
// startup and schedules each parsed rule's submission onto the core's
// PendingRulesQueue at its declared offset from process start, using
// robfig/cron/v3 for the actual timer.
package administrator

import (
	"bufio"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/iorate/infrastructure/logging"
	"github.com/R3E-Network/iorate/pkg/rule"
)

// Sink is the subset of the core control application the administrator
// feeds: every scheduled rule lands on EnqueueAdminRule (spec.md §4.4
// step 3).
type Sink interface {
	EnqueueAdminRule(r rule.PolicyRule)
}

// Administrator reads a policies-rules-file and schedules each rule's
// submission relative to the time Load was called.
type Administrator struct {
	cron      *cron.Cron
	logger    *logging.Logger
	startedAt time.Time
}

// New constructs an Administrator. Call Load to parse a policies file
// and schedule its rules, then Start to begin firing them.
func New(logger *logging.Logger) *Administrator {
	return &Administrator{
		cron:   cron.New(),
		logger: logger,
	}
}

// Load parses path (spec.md §6: whitespace-separated
// "rule_id time_seconds scope target [operation] limit" lines, one per
// line; blank lines and lines starting with "#" are skipped) and
// schedules each successfully parsed rule for submission to sink at its
// declared time_seconds offset. A line that fails to parse is logged and
// skipped — spec.md §7 "Parse error": never mutates state, reported to
// the submitter (here, the operator via the log).
func (a *Administrator) Load(path string, sink Sink) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	a.startedAt = time.Now()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pr, st := rule.ParsePolicyLine(line)
		if st.IsError() {
			a.logger.WithError(st.Err()).Warn("administrator: skipping malformed policy line")
			continue
		}
		a.schedule(pr, sink)
	}
	return scanner.Err()
}

// schedule registers a one-shot cron entry that fires exactly once, at
// startedAt + rule.TimeSeconds.
func (a *Administrator) schedule(pr rule.PolicyRule, sink Sink) {
	fireAt := a.startedAt.Add(time.Duration(pr.TimeSeconds) * time.Second)
	a.cron.Schedule(onceAt(fireAt), cron.FuncJob(func() {
		sink.EnqueueAdminRule(pr)
		a.logger.WithFields(map[string]interface{}{
			"rule_id": pr.RuleID, "scope": pr.Scope, "target": pr.Target,
		}).Info("administrator: submitted scheduled policy rule")
	}))
}

// Start begins firing scheduled rules in the background. Stop cancels
// any rules not yet fired.
func (a *Administrator) Start() { a.cron.Start() }

// Stop halts the scheduler; already-running jobs finish but no further
// jobs fire.
func (a *Administrator) Stop() { <-a.cron.Stop().Done() }

// onceAt is a cron.Schedule that fires exactly once at a fixed instant:
// Next returns the target time until it has passed, then a time far in
// the future so the entry effectively never fires again.
type onceAt time.Time

func (o onceAt) Next(t time.Time) time.Time {
	target := time.Time(o)
	if t.Before(target) {
		return target
	}
	return target.AddDate(100, 0, 0)
}
