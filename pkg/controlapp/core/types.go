// Package core implements the core controller's control application
// (spec.md §4.4): the feedback loop, job/location/demand/rate tables,
// and the three allocation algorithms (STATIC, DYNAMIC-VANILLA,
// DYNAMIC-LEFTOVER).
package core

import "github.com/R3E-Network/iorate/pkg/config"

// pendingLocal is one not-yet-admitted local-controller registration
// (spec.md §3 "Lifecycle").
type pendingLocal struct {
	Address string
}

// pendingStage is one not-yet-admitted stage registration, routed
// through the local that accepted its socket connection (spec.md §3).
type pendingStage struct {
	LocalAddress string
	JobName      string
	Env          int32
	User         string
}

// jobTables groups the three per-job maps that must stay in lockstep
// (spec.md §3, Job invariant): every job with at least one registered
// stage has entries in all three.
type jobTables struct {
	demand       map[string]int64
	rate         map[string]int64
	previousRate map[string]int64
}

func newJobTables() *jobTables {
	return &jobTables{
		demand:       make(map[string]int64),
		rate:         make(map[string]int64),
		previousRate: make(map[string]int64),
	}
}

func (j *jobTables) ensure(job string) {
	if _, ok := j.demand[job]; !ok {
		j.demand[job] = 0
	}
	if _, ok := j.rate[job]; !ok {
		j.rate[job] = 0
	}
	if _, ok := j.previousRate[job]; !ok {
		j.previousRate[job] = 0
	}
}

// remove deletes all three of a job's table entries together (spec.md
// §3, Job invariant: "removing the last stage of a job removes all three
// atomically"). It does not check whether the job still has registered
// stages.
func (j *jobTables) remove(job string) {
	delete(j.demand, job)
	delete(j.rate, job)
	delete(j.previousRate, job)
}

// StageInfo is the core's view of one registered stage (spec.md §3).
type StageInfo struct {
	Name         string
	Env          int32
	User         string
	LocalAddress string
}

// EnforcementBundle is one per-local dispatch built by an allocator: the
// set of per-env rate assignments to send to a single local controller
// for one job (spec.md §4.4.1-3).
type EnforcementBundle struct {
	LocalAddress string
	RuleID       int64
	JobName      string
	Operation    string
	EnvRates     map[int32]int64
}

// Allocator turns the pending admin-rule queue plus current demand/rate
// state into enforcement bundles (spec.md §4.4.1-3). Each call consumes
// whatever portion of the admin queue its algorithm specifies (STATIC:
// at most one rule per cycle; DYNAMIC-*: drains all pending rules).
type Allocator interface {
	Allocate(app *App) ([]EnforcementBundle, error)
	ControlType() config.ControlType
}
