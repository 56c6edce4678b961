// Package local implements the local controller's control application
// (spec.md §4.3): stage bring-up, northbound RPC handling, enforcement
// fan-out, and telemetry aggregation.
package local

import (
	"context"
	"fmt"
	"hash/fnv"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/iorate/infrastructure/logging"
	"github.com/R3E-Network/iorate/infrastructure/metrics"
	"github.com/R3E-Network/iorate/pkg/hostinfo"
	"github.com/R3E-Network/iorate/pkg/rule"
	"github.com/R3E-Network/iorate/pkg/session"
	"github.com/R3E-Network/iorate/pkg/stagenet"
	"github.com/R3E-Network/iorate/pkg/status"
	"github.com/R3E-Network/iorate/pkg/wire"
)

// CoreClient is the northbound-outbound half of the local controller: the
// registration call a newly-handshaken stage must make against the core
// (spec.md §4.3 step 2, §6 ConnectStageToGlobal).
type CoreClient interface {
	ConnectStageToGlobal(ctx context.Context, localAddress, stageName string, env int32, user string) status.Status
}

// StageInfo is the local tier's view of one connected stage.
type StageInfo struct {
	Name     string
	Env      int32
	User     string
	Pid      int32
	Ppid     int32
	Hostname string
}

// channelObjectPair is one (channel_id, enforcement_object_id) pair
// learned during housekeeping, grouped per operation (spec.md §4.3).
type channelObjectPair struct {
	Channel int32
	Object  int32
}

// App is the local controller's control application. It owns the set of
// StageSessions (keyed by "job+env") and the housekeeping rules memoised
// from the core's LocalHandshake RPC (or, as a supplemented feature, from
// a housekeeping-rules-file read at startup; spec.md SPEC_FULL §12).
type App struct {
	localAddress string
	coreClient   CoreClient
	logger       *logging.Logger
	metrics      *metrics.Metrics

	mu                 sync.RWMutex
	housekeepingRules  []string
	opToChannelObject  map[string][]channelObjectPair
	stageSessions      map[string]*session.Session
	stageClients       map[string]*stagenet.Client
	stageInfo          map[string]StageInfo
	activeStages       atomic.Int64
	handshakeAttempted atomic.Int64
}

// New constructs an App for the given local address.
func New(localAddress string, coreClient CoreClient, logger *logging.Logger, m *metrics.Metrics) *App {
	return &App{
		localAddress:      localAddress,
		coreClient:        coreClient,
		logger:            logger,
		metrics:           m,
		opToChannelObject: make(map[string][]channelObjectPair),
		stageSessions:     make(map[string]*session.Session),
		stageClients:      make(map[string]*stagenet.Client),
		stageInfo:         make(map[string]StageInfo),
	}
}

// LocalHandshake is the northbound RPC handler storing the housekeeping
// rule list the core computed for this local's housekeeping-rules-file
// (spec.md §6, §4.3 step 3). It rebuilds the operation -> (channel,
// object) index the enforcement fan-out logic consumes.
func (a *App) LocalHandshake(rules []string) status.Status {
	opMap := make(map[string][]channelObjectPair)
	for _, raw := range rules {
		r, st := rule.Decode(raw)
		if st.IsError() {
			return status.Error(fmt.Errorf("local: bad housekeeping rule %q: %w", raw, st.Err()))
		}
		if r.Op == rule.OpCreateObject {
			opMap[r.Operation] = append(opMap[r.Operation], channelObjectPair{Channel: r.ChannelID, Object: r.ObjectID})
		}
	}

	a.mu.Lock()
	a.housekeepingRules = append([]string(nil), rules...)
	a.opToChannelObject = opMap
	a.mu.Unlock()
	return status.OK()
}

// HousekeepingRules returns a copy of the memoised housekeeping rule list.
func (a *App) HousekeepingRules() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.housekeepingRules...)
}

// HandleStageConnection runs the stage bring-up FSM for a freshly accepted
// connection (spec.md §4.3 step 1-2): handshake, housekeeping install,
// STAGE_READY, core registration, then graduation into a full
// StageSession. Errors at any step close the connection; no StageSession
// is registered on failure.
func (a *App) HandleStageConnection(ctx context.Context, conn net.Conn) {
	client := stagenet.NewClient(conn)
	// Unix domain socket peers frequently share the same (often empty)
	// RemoteAddr, so the in-flight handshake session needs its own
	// collision-free key rather than one derived from the connection.
	hsKey := fmt.Sprintf("handshake-%s", uuid.NewString())
	hs := session.New(hsKey, stagenet.Sentinel)
	hs.Start(ctx, client)
	a.handshakeAttempted.Add(1)

	ok, info := a.runHandshake(ctx, hs)
	hs.Stop()
	hs.Wait()

	outcome := "success"
	if !ok {
		outcome = "failure"
		client.Close()
	}
	if a.metrics != nil {
		a.metrics.RecordStageHandshake(outcome)
	}
	if !ok {
		return
	}

	key := rule.StageKey(info.Name, info.Env)
	stageSession := session.New(key, stagenet.Sentinel)
	stageSession.Start(ctx, client)

	a.mu.Lock()
	a.stageSessions[key] = stageSession
	a.stageClients[key] = client
	a.stageInfo[key] = info
	a.mu.Unlock()
	a.activeStages.Add(1)
	if a.metrics != nil {
		a.metrics.SetActiveStages(int(a.activeStages.Load()))
	}

	a.logger.WithFields(map[string]interface{}{"job": info.Name, "env": info.Env, "user": info.User}).
		Info("stage graduated to active session")
}

func (a *App) runHandshake(ctx context.Context, hs *session.Session) (bool, StageInfo) {
	if st := hs.Submit(stagenet.Request{Kind: stagenet.KindStageHandshake}); st.IsError() {
		return false, StageInfo{}
	}
	res, st := hs.GetResult()
	if st.IsError() || res.Transport {
		return false, StageInfo{}
	}
	handshake := res.Value.(session.StageHandshakeInfo)

	for _, raw := range a.HousekeepingRules() {
		r, derr := rule.Decode(raw)
		if derr.IsError() {
			a.logger.WithError(derr.Err()).Warn("skipping malformed housekeeping rule")
			continue
		}
		var req stagenet.Request
		switch r.Op {
		case rule.OpCreateChannel:
			req = stagenet.Request{Kind: stagenet.KindCreateChannel, ChannelID: r.ChannelID, Operation: r.Operation}
		case rule.OpCreateObject:
			req = stagenet.Request{Kind: stagenet.KindCreateObject, ChannelID: r.ChannelID, ObjectID: r.ObjectID, Operation: r.Operation}
		default:
			continue
		}
		if st := hs.Submit(req); st.IsError() {
			return false, StageInfo{}
		}
		res, st := hs.GetResult()
		if st.IsError() || res.Transport || !res.Value.(session.ACK).OK {
			return false, StageInfo{}
		}
	}

	if st := hs.Submit(stagenet.Request{Kind: stagenet.KindStageReady}); st.IsError() {
		return false, StageInfo{}
	}
	res, st = hs.GetResult()
	if st.IsError() || res.Transport || !res.Value.(session.ACK).OK {
		return false, StageInfo{}
	}

	if st := a.coreClient.ConnectStageToGlobal(ctx, a.localAddress, handshake.Name, handshake.Env, handshake.User); st.IsError() {
		return false, StageInfo{}
	}

	return true, StageInfo{
		Name:     handshake.Name,
		Env:      handshake.Env,
		User:     handshake.User,
		Pid:      handshake.Pid,
		Ppid:     handshake.Ppid,
		Hostname: handshake.Hostname,
	}
}

// CreateEnforcementRule implements the enforcement fan-out of spec.md
// §4.3: for the given operation, every env in envRates receives one
// CREATE_ENF_RULE per (channel, object) pair housekept for that
// operation, each carrying limit/n_pairs. Any sub-rule failure makes
// this call report Error (the first failure's message is kept); every
// submitted sub-rule is still drained to completion to preserve FIFO
// session semantics, and each stage whose sub-rule fails is evicted.
func (a *App) CreateEnforcementRule(ruleID int64, stageName, operation string, envRates map[int32]int64) status.Status {
	a.mu.RLock()
	pairs := append([]channelObjectPair(nil), a.opToChannelObject[operation]...)
	a.mu.RUnlock()

	if len(pairs) == 0 {
		return status.Errorf("local: no housekept channel/object pairs for operation %q", operation)
	}
	opCode := operationCode(operation)

	type dispatch struct {
		sess *session.Session
	}
	var dispatches []dispatch

	overall := status.OK()
	for env, limit := range envRates {
		key := rule.StageKey(stageName, env)
		a.mu.RLock()
		sess := a.stageSessions[key]
		a.mu.RUnlock()
		if sess == nil {
			overall = status.Errorf("local: no active stage session for %s", key)
			continue
		}
		perPair := limit / int64(len(pairs))
		for _, p := range pairs {
			req := stagenet.Request{
				Kind: stagenet.KindEnforcementRule,
				Enforcement: wire.EnforcementRule{
					RuleID:  ruleID,
					Channel: p.Channel,
					Object:  p.Object,
					Op:      opCode,
					P1:      perPair,
				},
			}
			if st := sess.Submit(req); st.IsError() {
				overall = st
				continue
			}
			dispatches = append(dispatches, dispatch{sess: sess})
		}
	}

	start := time.Now()
	for _, d := range dispatches {
		res, st := d.sess.GetResult()
		if st.IsError() || res.Transport || !res.Value.(session.ACK).OK {
			if overall.IsOK() {
				overall = status.Errorf("local: enforcement sub-rule failed for %s", d.sess.Key)
			}
			a.evictStage(d.sess.Key)
		}
	}
	if a.metrics != nil {
		outcome := "success"
		if overall.IsError() {
			outcome = "failure"
		}
		a.metrics.RecordSessionDispatch("create_enf_rule", outcome, time.Since(start))
	}
	return overall
}

// CollectGlobalStatistics submits COLLECT_GLOBAL_STATS to every active
// StageSession and merges the results into a "job+env" -> rate map,
// evicting any stage that returns the transport sentinel (spec.md §4.3,
// §4.4.4).
func (a *App) CollectGlobalStatistics(ctx context.Context) (map[string]int64, status.Status) {
	a.mu.RLock()
	keys := make([]string, 0, len(a.stageSessions))
	sessions := make([]*session.Session, 0, len(a.stageSessions))
	for k, s := range a.stageSessions {
		keys = append(keys, k)
		sessions = append(sessions, s)
	}
	a.mu.RUnlock()

	for _, s := range sessions {
		_ = s.Submit(stagenet.Request{Kind: stagenet.KindCollectGlobalStats})
	}

	out := make(map[string]int64, len(keys))
	for i, s := range sessions {
		res, st := s.GetResult()
		if st.IsError() {
			continue
		}
		stat := res.Value.(session.StatGlobal)
		if res.Transport || stat.TotalRate < 0 {
			a.evictStage(keys[i])
			continue
		}
		out[keys[i]] = stat.TotalRate
	}
	return out, status.OK()
}

// CollectGlobalStatisticsAggregated is specified as an alias of
// CollectGlobalStatistics (spec.md §9, open question: "effectively
// unused by the core loop").
func (a *App) CollectGlobalStatisticsAggregated(ctx context.Context) (map[string]int64, status.Status) {
	return a.CollectGlobalStatistics(ctx)
}

// MarkStageReady is unused once a stage has already graduated (STAGE_READY
// is sent once, during bring-up); retained to satisfy the northbound
// surface named in spec.md §6 for stages the core re-admits after a
// restart without a fresh socket handshake.
func (a *App) MarkStageReady(stageName string, env int32) status.Status {
	key := rule.StageKey(stageName, env)
	a.mu.RLock()
	sess := a.stageSessions[key]
	a.mu.RUnlock()
	if sess == nil {
		return status.Errorf("local: no active stage session for %s", key)
	}
	if st := sess.Submit(stagenet.Request{Kind: stagenet.KindStageReady}); st.IsError() {
		return st
	}
	res, st := sess.GetResult()
	if st.IsError() {
		return st
	}
	if res.Transport || !res.Value.(session.ACK).OK {
		a.evictStage(key)
		return status.Errorf("local: stage_ready failed for %s", key)
	}
	return status.OK()
}

func (a *App) evictStage(key string) {
	a.mu.Lock()
	sess, ok := a.stageSessions[key]
	client := a.stageClients[key]
	delete(a.stageSessions, key)
	delete(a.stageClients, key)
	delete(a.stageInfo, key)
	a.mu.Unlock()
	if !ok {
		return
	}
	sess.Stop()
	if client != nil {
		client.Close()
	}
	a.activeStages.Add(-1)
	if a.metrics != nil {
		a.metrics.SetActiveStages(int(a.activeStages.Load()))
	}
	a.logger.WithFields(map[string]interface{}{"stage": key}).Warn("evicted stage session after transport failure")
}

// Statistics backs the /info endpoint (infrastructure/service.StatisticsProvider).
func (a *App) Statistics() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stages := make([]map[string]any, 0, len(a.stageInfo))
	for key, info := range a.stageInfo {
		stages = append(stages, map[string]any{
			"key":  key,
			"name": info.Name,
			"env":  info.Env,
			"user": info.User,
		})
	}

	return map[string]any{
		"local_address":        a.localAddress,
		"active_stages":        a.activeStages.Load(),
		"handshake_attempts":   a.handshakeAttempted.Load(),
		"housekeeping_rules":   len(a.housekeepingRules),
		"stages":               stages,
		"host":                 hostinfo.Collect(),
	}
}

// operationCode maps an operation name to the stable numeric code carried
// in the southbound EnforcementRule payload. The data-plane stage is out
// of scope (spec.md §1); this only needs to be a stable, collision-free
// function of the operation string, not a specific registry.
func operationCode(operation string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(operation))
	return int32(h.Sum32())
}
