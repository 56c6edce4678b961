package core

import (
	"github.com/R3E-Network/iorate/pkg/config"
	"github.com/R3E-Network/iorate/pkg/rule"
)

// staticAllocator implements the STATIC control type (spec.md §4.4.1): each
// cycle consumes at most one pending admin rule and splits its limit evenly,
// either across one job's admitted stages (job scope) or across a user's
// jobs and then, within each job, across its stages (user scope).
type staticAllocator struct{}

// NewStaticAllocator returns the STATIC allocation algorithm.
func NewStaticAllocator() Allocator { return staticAllocator{} }

func (staticAllocator) ControlType() config.ControlType { return config.ControlStatic }

func (a staticAllocator) Allocate(app *App) ([]EnforcementBundle, error) {
	pr, ok := app.drainOneJobOrUserRule()
	if !ok {
		return nil, nil
	}

	app.mu.RLock()
	jobUser := make(map[string]string, len(app.jobUser))
	for k, v := range app.jobUser {
		jobUser[k] = v
	}
	app.mu.RUnlock()

	var targets []string
	switch pr.Scope {
	case rule.PolicyJob:
		targets = []string{pr.Target}
	case rule.PolicyUser:
		targets = jobsForUser(jobUser, pr.Target)
	default:
		return nil, nil
	}
	if len(targets) == 0 {
		return nil, nil
	}

	perJobLimit := pr.Limit / int64(len(targets))

	var bundles []EnforcementBundle
	for _, job := range targets {
		app.mu.RLock()
		stages := append([]stageRef(nil), app.jobStages[job]...)
		app.mu.RUnlock()
		if len(stages) == 0 {
			continue
		}

		app.mu.Lock()
		app.tables.rate[job] = perJobLimit
		app.mu.Unlock()

		for localAddr, envRates := range stageShare(stages, perJobLimit) {
			bundles = append(bundles, EnforcementBundle{
				LocalAddress: localAddr,
				RuleID:       pr.RuleID,
				JobName:      job,
				Operation:    pr.Operation,
				EnvRates:     envRates,
			})
		}
	}
	return bundles, nil
}
