package core

import (
	"sort"

	"github.com/R3E-Network/iorate/pkg/config"
	"github.com/R3E-Network/iorate/pkg/rule"
)

// stabilityThresholdIOPS is the minimum rate delta (in IOPS) that justifies
// re-dispatching an enforcement rule for a job. Jobs whose newly computed
// rate is within this band of their previously dispatched rate are skipped
// this cycle (spec.md §4.4.2, "avoid oscillation for near-identical
// allocations").
const stabilityThresholdIOPS = 10

// dynamicVanillaAllocator implements DYNAMIC-VANILLA (spec.md §4.4.2): a
// single left-to-right pass grants each job min(demand, L/remaining_jobs)
// against the shrinking budget, then a second pass redistributes whatever
// budget is left equally across every job, including ones already capped
// at their own demand in the first pass.
type dynamicVanillaAllocator struct{}

// NewDynamicVanillaAllocator returns the DYNAMIC-VANILLA allocation algorithm.
func NewDynamicVanillaAllocator() Allocator { return dynamicVanillaAllocator{} }

func (dynamicVanillaAllocator) ControlType() config.ControlType { return config.ControlDynamicVanilla }

func (d dynamicVanillaAllocator) Allocate(app *App) ([]EnforcementBundle, error) {
	applyPendingDemandOverrides(app)

	app.mu.RLock()
	jobs := make([]string, 0, len(app.jobStages))
	demand := make(map[string]int64, len(app.jobStages))
	previous := make(map[string]int64, len(app.jobStages))
	stagesByJob := make(map[string][]stageRef, len(app.jobStages))
	for job, stages := range app.jobStages {
		if len(stages) == 0 {
			continue
		}
		jobs = append(jobs, job)
		demand[job] = app.tables.demand[job]
		previous[job] = app.tables.previousRate[job]
		stagesByJob[job] = append([]stageRef(nil), stages...)
	}
	budget := app.cfg.SystemLimitIOPS
	app.mu.RUnlock()

	if len(jobs) == 0 {
		return nil, nil
	}
	sort.Strings(jobs)

	rates := waterFill(budget, demand, jobs)

	var bundles []EnforcementBundle
	app.mu.Lock()
	for _, job := range jobs {
		rate := rates[job]
		if abs64(rate-previous[job]) < stabilityThresholdIOPS {
			// Sentinel: leave the job's rate/previous-rate tables untouched
			// and skip dispatch, signalling "no change" for this cycle
			// (spec.md §4.4.2: "else update previous_rate[j]" — update only
			// happens on this dispatch path). App.refreshTelemetry also
			// copies the rate table into previous_rate at the start of each
			// tick for every job that reports telemetry, so for such a job
			// the comparison is against that copied value.
			continue
		}
		app.tables.rate[job] = rate
		app.tables.previousRate[job] = rate

		for localAddr, envRates := range stageShare(stagesByJob[job], rate) {
			bundles = append(bundles, EnforcementBundle{
				LocalAddress: localAddr,
				RuleID:       stableRuleID(job),
				JobName:      job,
				Operation:    "read",
				EnvRates:     envRates,
			})
		}
	}
	app.mu.Unlock()

	return bundles, nil
}

// applyPendingDemandOverrides folds any job/user scope admin rules into the
// demand table: under DYNAMIC-VANILLA, job/user rules set an explicit demand
// ceiling rather than a directly-enforced rate (spec.md §9, Open Question:
// "job/user admin rules under dynamic control types").
func applyPendingDemandOverrides(app *App) {
	for _, pr := range app.drainJobAndUserRules() {
		app.mu.Lock()
		switch pr.Scope {
		case rule.PolicyJob:
			app.tables.ensure(pr.Target)
			app.tables.demand[pr.Target] = pr.Limit
		case rule.PolicyUser:
			jobs := jobsForUser(app.jobUser, pr.Target)
			if len(jobs) > 0 {
				share := pr.Limit / int64(len(jobs))
				for _, job := range jobs {
					app.tables.ensure(job)
					app.tables.demand[job] = share
				}
			}
		}
		app.mu.Unlock()
	}
}

// waterFill implements spec.md §4.4.2's single monotonic pass, grounded in
// `original_source/src/controller/core_control_application.cpp:648-696`
// (`compute_and_enforce_dynamic_rules`): walking `jobs` in order, each job is
// granted `min(demand[j], L/remaining_jobs)` against the *current* `L` and
// `remaining_jobs` (decremented by one for every job processed, satisfied or
// not), deducting the granted rate from `L` as it goes. A second pass then
// redistributes whatever of `L` is left equally across *every* job,
// including ones already capped at their own demand in the first pass —
// capping a job at its demand does not exempt it from the leftover split.
// Budget conservation holds: sum(result) <= budget always, with loss bounded
// by integer-floor division only.
func waterFill(budget int64, demand map[string]int64, jobs []string) map[string]int64 {
	rate := make(map[string]int64, len(jobs))
	totalJobs := int64(len(jobs))
	if totalJobs == 0 {
		return rate
	}

	remaining := budget
	remainingJobs := totalJobs
	for _, j := range jobs {
		share := remaining / remainingJobs
		if demand[j] <= share {
			rate[j] = demand[j]
		} else {
			rate[j] = share
		}
		remaining -= rate[j]
		remainingJobs--
	}

	leftoverShare := remaining / totalJobs
	for _, j := range jobs {
		rate[j] += leftoverShare
	}
	return rate
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// stableRuleID derives a deterministic rule id for allocator-generated
// enforcement dispatches (dynamic control types do not originate from a
// single admin rule the way STATIC does, so there is no natural RuleID to
// reuse).
func stableRuleID(job string) int64 {
	var h int64 = 1469598103934665603
	for _, c := range job {
		h ^= int64(c)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h
}
