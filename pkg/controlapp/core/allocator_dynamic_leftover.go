package core

import (
	"sort"

	"github.com/R3E-Network/iorate/pkg/config"
)

// dynamicLeftoverAllocator implements DYNAMIC-LEFTOVER (spec.md §4.4.3): the
// same water-filling shape as DYNAMIC-VANILLA, except the per-job demand
// input is the most recently observed telemetry rate (refreshed by
// App.refreshTelemetry each cycle) rather than an administrator-declared
// demand value. Jobs with no telemetry yet fall back to their declared
// demand so a freshly admitted job isn't starved on its first cycle.
type dynamicLeftoverAllocator struct{}

// NewDynamicLeftoverAllocator returns the DYNAMIC-LEFTOVER allocation algorithm.
func NewDynamicLeftoverAllocator() Allocator { return dynamicLeftoverAllocator{} }

func (dynamicLeftoverAllocator) ControlType() config.ControlType { return config.ControlDynamicLeftover }

func (d dynamicLeftoverAllocator) Allocate(app *App) ([]EnforcementBundle, error) {
	applyPendingDemandOverrides(app)

	app.mu.RLock()
	jobs := make([]string, 0, len(app.jobStages))
	observed := make(map[string]int64, len(app.jobStages))
	previous := make(map[string]int64, len(app.jobStages))
	stagesByJob := make(map[string][]stageRef, len(app.jobStages))
	for job, stages := range app.jobStages {
		if len(stages) == 0 {
			continue
		}
		jobs = append(jobs, job)
		if rate := app.tables.rate[job]; rate > 0 {
			observed[job] = rate
		} else {
			observed[job] = app.tables.demand[job]
		}
		previous[job] = app.tables.previousRate[job]
		stagesByJob[job] = append([]stageRef(nil), stages...)
	}
	budget := app.cfg.SystemLimitIOPS
	app.mu.RUnlock()

	if len(jobs) == 0 {
		return nil, nil
	}
	sort.Strings(jobs)

	rates := waterFill(budget, observed, jobs)

	var bundles []EnforcementBundle
	app.mu.Lock()
	for _, job := range jobs {
		rate := rates[job]
		if abs64(rate-previous[job]) < stabilityThresholdIOPS {
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
