package core

import "sort"

// stageShare splits a job's total rate equally across its admitted stages
// (floor division; any remainder is dropped, matching the local tier's own
// fan-out division in pkg/controlapp/local.CreateEnforcementRule) and groups
// the per-stage shares by local controller so each can be dispatched as one
// EnforcementBundle (spec.md §4.4.1-3).
func stageShare(stages []stageRef, totalRate int64) map[string]map[int32]int64 {
	perLocal := make(map[string]map[int32]int64)
	if len(stages) == 0 {
		return perLocal
	}
	share := totalRate / int64(len(stages))
	for _, s := range stages {
		m, ok := perLocal[s.LocalAddress]
		if !ok {
			m = make(map[int32]int64)
			perLocal[s.LocalAddress] = m
		}
		m[s.Env] = share
	}
	return perLocal
}

// jobsForUser returns every job currently owned by user, in stable order.
func jobsForUser(jobUser map[string]string, user string) []string {
	var out []string
	for job, owner := range jobUser {
		if owner == user {
			out = append(out, job)
		}
	}
	sort.Strings(out)
	return out
}
