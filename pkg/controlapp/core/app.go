package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/iorate/infrastructure/logging"
	"github.com/R3E-Network/iorate/infrastructure/metrics"
	"github.com/R3E-Network/iorate/pkg/config"
	"github.com/R3E-Network/iorate/pkg/hostinfo"
	"github.com/R3E-Network/iorate/pkg/rule"
	"github.com/R3E-Network/iorate/pkg/session"
)

// stageRef locates one admitted stage within a job for allocation purposes.
type stageRef struct {
	LocalAddress string
	Env          int32
}

// App is the core controller's control application (spec.md §4.4). It
// admits pending locals and stages on each feedback-loop tick, maintains the
// job demand/rate tables, and drives the configured Allocator.
type App struct {
	cfg       *config.ControllerConfig
	logger    *logging.Logger
	metrics   *metrics.Metrics
	allocator Allocator

	pendingMu     sync.Mutex
	pendingLocals []pendingLocal
	pendingStages []pendingStage

	adminMu    sync.Mutex
	adminRules []rule.PolicyRule

	mu            sync.RWMutex
	housekeeping  []string
	localSessions map[string]*session.Session  // keyed by local address
	stageInfo     map[string]StageInfo          // keyed by rule.StageKey(job, env)
	jobStages     map[string][]stageRef         // job -> admitted stages
	jobUser       map[string]string             // job -> owning user
	tables        *jobTables

	activeLocals atomic.Int64
	activeStages atomic.Int64
	cycles       atomic.Int64
}

// New constructs a core App. housekeepingRules is the fixed list sent to
// every local controller during LocalHandshake (spec.md §4.3 step 3),
// ordinarily hydrated from the housekeeping-rules-file at startup
// (SPEC_FULL §12).
func New(cfg *config.ControllerConfig, logger *logging.Logger, m *metrics.Metrics, allocator Allocator, housekeepingRules []string) *App {
	return &App{
		cfg:           cfg,
		logger:        logger,
		metrics:       m,
		allocator:     allocator,
		housekeeping:  append([]string(nil), housekeepingRules...),
		localSessions: make(map[string]*session.Session),
		stageInfo:     make(map[string]StageInfo),
		jobStages:     make(map[string][]stageRef),
		jobUser:       make(map[string]string),
		tables:        newJobTables(),
	}
}

// EnqueuePendingLocal records a newly connected local controller for
// admission on the next feedback-loop tick (spec.md §4.4 step 1).
func (a *App) EnqueuePendingLocal(address string) {
	a.pendingMu.Lock()
	a.pendingLocals = append(a.pendingLocals, pendingLocal{Address: address})
	a.pendingMu.Unlock()
}

// EnqueuePendingStage records a newly connected stage (already accepted by a
// local controller) for admission on the next feedback-loop tick (spec.md
// §4.4 step 2).
func (a *App) EnqueuePendingStage(localAddress, jobName string, env int32, user string) {
	a.pendingMu.Lock()
	a.pendingStages = append(a.pendingStages, pendingStage{LocalAddress: localAddress, JobName: jobName, Env: env, User: user})
	a.pendingMu.Unlock()
}

// EnqueueAdminRule records an administrator policy rule dispatched by the
// administrator's cron schedule (spec.md §4.4 step 3, SPEC_FULL §12).
func (a *App) EnqueueAdminRule(r rule.PolicyRule) {
	a.adminMu.Lock()
	a.adminRules = append(a.adminRules, r)
	a.adminMu.Unlock()
}

// Tick runs one feedback-loop iteration (spec.md §4.4 steps 1-4). It is
// registered with infrastructure/service.BaseService.AddTickerWorker at
// Controller.CycleSleepTime by cmd/core.
func (a *App) Tick(ctx context.Context) error {
	a.cycles.Add(1)
	a.admitPendingLocals(ctx)
	a.admitPendingStages()
	return a.computeAndEnforce(ctx)
}

// admitPendingLocals drains the pending-local queue, running LocalHandshake
// against each over its LocalSession. A local that fails handshake is
// retried once after a 100ms backoff before being dropped for this cycle
// (spec.md §4.4 step 1).
func (a *App) admitPendingLocals(ctx context.Context) {
	a.pendingMu.Lock()
	batch := a.pendingLocals
	a.pendingLocals = nil
	a.pendingMu.Unlock()

	for _, pl := range batch {
		invoker, err := newLocalInvoker(pl.Address, a.logger)
		if err != nil {
			a.logger.WithError(err).WithFields(map[string]interface{}{"local": pl.Address}).
				Warn("dropping local with unusable address")
			continue
		}

		sess := session.New(pl.Address, identitySentinel)
		sess.Start(ctx, invoker)

		if !a.runLocalHandshake(sess) {
			time.Sleep(100 * time.Millisecond)
			if !a.runLocalHandshake(sess) {
				sess.Stop()
				a.logger.WithFields(map[string]interface{}{"local": pl.Address}).
					Warn("dropping local after repeated handshake failure")
				continue
			}
		}

		a.mu.Lock()
		a.localSessions[pl.Address] = sess
		a.mu.Unlock()
		a.activeLocals.Add(1)
		if a.metrics != nil {
			a.metrics.SetActiveLocals(int(a.activeLocals.Load()))
		}
		a.logger.WithFields(map[string]interface{}{"local": pl.Address}).Info("local controller admitted")
	}
}

func (a *App) runLocalHandshake(sess *session.Session) bool {
	a.mu.RLock()
	rules := append([]string(nil), a.housekeeping...)
	a.mu.RUnlock()

	if st := sess.Submit(rule.Rule{Op: rule.OpLocalHandshake, HousekeepingRules: rules}); st.IsError() {
		return false
	}
	res, st := sess.GetResult()
	if st.IsError() || res.Transport {
		return false
	}
	ack, ok := res.Value.(session.ACK)
	return ok && ack.OK
}

// admitPendingStages drains the pending-stage queue, marking each stage
// ready over its local's LocalSession and registering it in the job tables
// (spec.md §4.4 step 2, §3 Job invariant).
func (a *App) admitPendingStages() {
	a.pendingMu.Lock()
	batch := a.pendingStages
	a.pendingStages = nil
	a.pendingMu.Unlock()

	for _, ps := range batch {
		a.mu.RLock()
		sess := a.localSessions[ps.LocalAddress]
		a.mu.RUnlock()
		if sess == nil {
			a.logger.WithFields(map[string]interface{}{"local": ps.LocalAddress, "job": ps.JobName}).
				Warn("dropping pending stage for unknown local")
			continue
		}

		if st := sess.Submit(rule.Rule{Op: rule.OpStageReady, StageName: ps.JobName}); st.IsError() {
			continue
		}
		res, st := sess.GetResult()
		if st.IsError() || res.Transport {
			continue
		}
		if ack, ok := res.Value.(session.ACK); !ok || !ack.OK {
			continue
		}

		key := rule.StageKey(ps.JobName, ps.Env)
		a.mu.Lock()
		a.stageInfo[key] = StageInfo{Name: ps.JobName, Env: ps.Env, User: ps.User, LocalAddress: ps.LocalAddress}
		a.jobStages[ps.JobName] = append(a.jobStages[ps.JobName], stageRef{LocalAddress: ps.LocalAddress, Env: ps.Env})
		a.jobUser[ps.JobName] = ps.User
		a.tables.ensure(ps.JobName)
		a.mu.Unlock()
		a.activeStages.Add(1)
		if a.metrics != nil {
			a.metrics.SetActiveStages(int(a.activeStages.Load()))
		}
	}
}

// computeAndEnforce refreshes telemetry, drains administrator rules into
// the demand table, runs the configured allocator, and dispatches the
// resulting enforcement bundles over each target local's LocalSession
// (spec.md §4.4 steps 3-4).
func (a *App) computeAndEnforce(ctx context.Context) error {
	a.refreshTelemetry(ctx)
	a.applyAdminRules()

	bundles, err := a.allocator.Allocate(a)
	if err != nil {
		return fmt.Errorf("core: allocation failed: %w", err)
	}

	for _, b := range bundles {
		a.mu.RLock()
		sess := a.localSessions[b.LocalAddress]
		a.mu.RUnlock()
		if sess == nil {
			continue
		}
		envRates := make([]rule.EnvRate, 0, len(b.EnvRates))
		for env, rate := range b.EnvRates {
			envRates = append(envRates, rule.EnvRate{Env: env, Rate: rate})
		}
		if st := sess.Submit(rule.NewEnforcement(b.RuleID, b.JobName, b.Operation, envRates)); st.IsError() {
			a.logger.WithError(st.Err()).Warn("enforcement dispatch failed")
			continue
		}
		res, st := sess.GetResult()
		if st.IsError() || res.Transport {
			a.logger.WithFields(map[string]interface{}{"local": b.LocalAddress, "job": b.JobName}).
				Warn("enforcement dispatch lost its local session")
			continue
		}
		if ack, ok := res.Value.(session.ACK); !ok || !ack.OK {
			a.logger.WithFields(map[string]interface{}{"local": b.LocalAddress, "job": b.JobName}).
				Warn("local rejected enforcement rule")
		}
	}
	return nil
}

// refreshTelemetry submits COLLECT_GLOBAL_STATS to every active local and
// folds the returned "job+env" rates into the per-job rate table, feeding
// DYNAMIC-LEFTOVER's use of observed telemetry in place of demand (spec.md
// §4.4.4, §4.4.3).
func (a *App) refreshTelemetry(ctx context.Context) {
	a.mu.RLock()
	sessions := make(map[string]*session.Session, len(a.localSessions))
	for addr, s := range a.localSessions {
		sessions[addr] = s
	}
	a.mu.RUnlock()

	type pending struct {
		addr string
		sess *session.Session
	}
	var inFlight []pending
	for addr, sess := range sessions {
		if sess.Submit(rule.Rule{Op: rule.OpCollectGlobalStats}).IsOK() {
			inFlight = append(inFlight, pending{addr: addr, sess: sess})
		}
	}

	perJob := make(map[string]int64)
	for _, p := range inFlight {
		res, st := p.sess.GetResult()
		if st.IsError() || res.Transport {
			continue
		}
		stats, ok := res.Value.(map[string]int64)
		if !ok {
			continue
		}
		for jobEnv, rate := range stats {
			job := jobEnv
			for i, c := range jobEnv {
				if c == '+' {
					job = jobEnv[:i]
					break
				}
			}
			perJob[job] += rate
		}
	}

	a.mu.Lock()
	for job, rate := range perJob {
		a.tables.previousRate[job] = a.tables.rate[job]
		a.tables.rate[job] = rate
	}
	a.mu.Unlock()
}

// applyAdminRules drains the pending administrator-rule queue into the
// demand table for "demand" scope rules; job/user scope rules are left on
// the queue for the allocator itself to drain (spec.md §4.4.3, SPEC_FULL
// §12, Open Question: "demand table source").
func (a *App) applyAdminRules() {
	a.adminMu.Lock()
	defer a.adminMu.Unlock()

	var remaining []rule.PolicyRule
	for _, pr := range a.adminRules {
		if pr.Scope == rule.PolicyDemand {
			a.mu.Lock()
			a.tables.ensure(pr.Target)
			a.tables.demand[pr.Target] = pr.Limit
			a.mu.Unlock()
			continue
		}
		remaining = append(remaining, pr)
	}
	a.adminRules = remaining
}

// drainJobAndUserRules removes and returns every pending job/user scope
// admin rule, leaving "demand" rules (already consumed by applyAdminRules)
// and unsupported "mds" rules untouched. Allocators call this once per
// Allocate invocation.
func (a *App) drainJobAndUserRules() []rule.PolicyRule {
	a.adminMu.Lock()
	defer a.adminMu.Unlock()

	var taken, remaining []rule.PolicyRule
	for _, pr := range a.adminRules {
		if pr.Scope == rule.PolicyJob || pr.Scope == rule.PolicyUser {
			taken = append(taken, pr)
			continue
		}
		remaining = append(remaining, pr)
	}
	a.adminRules = remaining
	return taken
}

// drainOneJobOrUserRule removes and returns at most one pending job/user
// scope admin rule, for allocators (STATIC) specified to consume a single
// rule per cycle (spec.md §4.4.1).
func (a *App) drainOneJobOrUserRule() (rule.PolicyRule, bool) {
	a.adminMu.Lock()
	defer a.adminMu.Unlock()

	for i, pr := range a.adminRules {
		if pr.Scope == rule.PolicyJob || pr.Scope == rule.PolicyUser {
			a.adminRules = append(a.adminRules[:i], a.adminRules[i+1:]...)
			return pr, true
		}
	}
	return rule.PolicyRule{}, false
}

func identitySentinel(req any) any { return req }

// ActiveLocals returns the number of locals currently admitted into the
// feedback loop (spec.md §8, "After any cycle, active_locals >= 0").
func (a *App) ActiveLocals() int { return int(a.activeLocals.Load()) }

// ActiveStages returns the number of stages currently admitted into the
// feedback loop (spec.md §8, "After any cycle, active_stages >= 0").
func (a *App) ActiveStages() int { return int(a.activeStages.Load()) }

// Statistics backs the /info endpoint (infrastructure/service.StatisticsProvider).
func (a *App) Statistics() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()

	jobs := make(map[string]any, len(a.jobStages))
	for job, stages := range a.jobStages {
		jobs[job] = map[string]any{
			"stages":   len(stages),
			"user":     a.jobUser[job],
			"demand":   a.tables.demand[job],
			"rate":     a.tables.rate[job],
			"previous": a.tables.previousRate[job],
		}
	}

	return map[string]any{
		"active_locals": a.activeLocals.Load(),
		"active_stages": a.activeStages.Load(),
		"cycles":        a.cycles.Load(),
		"control_type":  a.allocator.ControlType(),
		"jobs":          jobs,
		"host":          hostinfo.Collect(),
	}
}
