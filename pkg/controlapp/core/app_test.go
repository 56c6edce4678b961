package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/iorate/infrastructure/testutil"
	"github.com/R3E-Network/iorate/pkg/config"
	"github.com/R3E-Network/iorate/pkg/rpcdto"
	"github.com/R3E-Network/iorate/pkg/rule"
)

// fakeLocal is an httptest-backed stand-in for a local controller's
// northbound RPC surface (spec.md §6), used to drive App.Tick end to end
// without a real process on the other end of the session.
type fakeLocal struct {
	mu          sync.Mutex
	handshakes  []rpcdto.LocalHandshakeRequest
	enforcement []rpcdto.EnforcementRequest
	statsReply  map[string]int64
	rejectAck   bool
}

func newFakeLocal(t *testing.T) (*fakeLocal, *httptest.Server) {
	t.Helper()
	f := &fakeLocal{statsReply: map[string]int64{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc/local-handshake", func(w http.ResponseWriter, r *http.Request) {
		var req rpcdto.LocalHandshakeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.handshakes = append(f.handshakes, req)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(rpcdto.AckResponse{OK: true})
	})
	mux.HandleFunc("/rpc/stage-ready", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rpcdto.AckResponse{OK: true})
	})
	mux.HandleFunc("/rpc/enforcement-rule", func(w http.ResponseWriter, r *http.Request) {
		var req rpcdto.EnforcementRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.enforcement = append(f.enforcement, req)
		reject := f.rejectAck
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(rpcdto.AckResponse{OK: !reject})
	})
	mux.HandleFunc("/rpc/stats", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		reply := f.statsReply
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(rpcdto.StatsResponse{Stats: reply})
	})
	srv := testutil.NewHTTPTestServer(t, mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeLocal) enforcementRequests() []rpcdto.EnforcementRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rpcdto.EnforcementRequest(nil), f.enforcement...)
}

// Scenario 1 (spec.md §8): empty registration, no locals, no admin rules.
// Ticking several times issues zero enforcement RPCs and leaves the active
// counters at zero.
func TestTickEmptyRegistrationIsNoop(t *testing.T) {
	app := newTestCoreApp(t, 1000, NewStaticAllocator())
	for i := 0; i < 5; i++ {
		require.NoError(t, app.Tick(context.Background()))
	}
	assert.Equal(t, 0, app.ActiveLocals())
	assert.Equal(t, 0, app.ActiveStages())
}

// Scenario 2 (spec.md §8): a single local admits, a single stage admits
// through it, and a STATIC job rule dispatches exactly one enforcement RPC
// with the expected per-stage share.
func TestTickAdmitsLocalAndStageThenDispatchesEnforcement(t *testing.T) {
	fl, srv := newFakeLocal(t)
	app := newTestCoreApp(t, 0, NewStaticAllocator())

	app.EnqueuePendingLocal(srv.URL)
	require.NoError(t, app.Tick(context.Background()))
	assert.Equal(t, 1, app.ActiveLocals())
	require.Len(t, fl.handshakes, 1)

	app.EnqueuePendingStage(srv.URL, "tensor", 1, "alice")
	app.EnqueueAdminRule(rule.PolicyRule{RuleID: 1, Scope: rule.PolicyJob, Target: "tensor", Operation: "read", Limit: 500})
	require.NoError(t, app.Tick(context.Background()))

	assert.Equal(t, 1, app.ActiveStages())
	reqs := fl.enforcementRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(1), reqs[0].RuleID)
	assert.Equal(t, "tensor", reqs[0].StageName)
	assert.Equal(t, "read", reqs[0].Operation)
	assert.Equal(t, map[int32]int64{1: 500}, reqs[0].EnvRates)
}

// A local that never responds (no server listening) fails handshake twice
// (the spec's single retry) and is dropped for the cycle rather than
// admitted, without the Tick call itself erroring out.
func TestTickDropsLocalAfterRepeatedHandshakeFailure(t *testing.T) {
	app := newTestCoreApp(t, 1000, NewStaticAllocator())
	app.EnqueuePendingLocal("http://127.0.0.1:1") // nothing listens here

	require.NoError(t, app.Tick(context.Background()))
	assert.Equal(t, 0, app.ActiveLocals())
}

// refreshTelemetry folds a local's COLLECT_GLOBAL_STATS reply into the
// per-job rate table, keyed by the "job+env" prefix before '+' (spec.md
// §4.4.4).
func TestRefreshTelemetryFoldsStatsIntoJobRateTable(t *testing.T) {
	fl, srv := newFakeLocal(t)
	app := newTestCoreApp(t, 1000, NewStaticAllocator())

	app.EnqueuePendingLocal(srv.URL)
	require.NoError(t, app.Tick(context.Background()))

	registerStage(app, "tensor", srv.URL, 1, "alice")
	fl.mu.Lock()
	fl.statsReply = map[string]int64{"tensor+1": 321}
	fl.mu.Unlock()

	app.refreshTelemetry(context.Background())

	app.mu.RLock()
	rate := app.tables.rate["tensor"]
	app.mu.RUnlock()
	assert.Equal(t, int64(321), rate)
}

// Statistics reports the control type and per-job table snapshot used by
// the /info endpoint.
func TestStatisticsReportsControlTypeAndJobs(t *testing.T) {
	app := newTestCoreApp(t, 1000, NewDynamicVanillaAllocator())
	registerStage(app, "tensor", "L1", 1, "alice")

	stats := app.Statistics()
	assert.Equal(t, config.ControlDynamicVanilla, stats["control_type"])
	jobs, ok := stats["jobs"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, jobs, "tensor")
}

func TestIdentitySentinelReturnsRequestUnchanged(t *testing.T) {
	req := rule.Rule{Op: rule.OpStageReady}
	assert.Equal(t, req, identitySentinel(req))
}
