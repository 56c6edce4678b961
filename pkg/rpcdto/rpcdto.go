// Package rpcdto holds the JSON wire types shared by both ends of the
// northbound core<->local RPC surface (spec.md §6). Keeping them in a
// standalone package (rather than in controlapp/core or controlapp/local)
// avoids an import cycle between the two control applications, which
// each need to both produce and consume these shapes.
package rpcdto

// ConnectLocalRequest is the body of ConnectLocalToGlobal.
type ConnectLocalRequest struct {
	LocalAddress string `json:"local_address"`
}

// ConnectStageRequest is the body of ConnectStageToGlobal.
type ConnectStageRequest struct {
	LocalAddress string `json:"local_address"`
	StageName    string `json:"stage_name"`
	Env          int32  `json:"env"`
	User         string `json:"user"`
}

// AckResponse is the generic three-valued-status-collapsed-to-bool ack
// used by every RPC that doesn't return a richer payload.
type AckResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// LocalHandshakeRequest carries the housekeeping rule strings the core
// memoised for this local (spec.md §4.3, §6 LocalHandshake).
type LocalHandshakeRequest struct {
	Rules []string `json:"rules"`
}

// StageReadyRequest marks one stage, by "job+env", as authorized to
// accept I/O (spec.md §6 MarkStageReady).
type StageReadyRequest struct {
	StageName string `json:"stage_name"`
	Env       int32  `json:"env"`
}

// EnforcementRequest is the body of CreateEnforcementRule (spec.md §6).
type EnforcementRequest struct {
	RuleID    int64           `json:"rule_id"`
	StageName string          `json:"stage_name"`
	Operation string          `json:"operation"`
	EnvRates  map[int32]int64 `json:"env_rates"`
}

// StatsResponse is the body of CollectGlobalStatistics /
// CollectGlobalStatisticsAggregated: "job+env" -> aggregated rate
// (spec.md §4.4.4, §6).
type StatsResponse struct {
	Stats map[string]int64 `json:"stats"`
}
