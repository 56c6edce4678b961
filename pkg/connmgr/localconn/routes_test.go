package localconn

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/iorate/infrastructure/logging"
	"github.com/R3E-Network/iorate/pkg/controlapp/local"
	"github.com/R3E-Network/iorate/pkg/rpcdto"
)

func newTestRouter() (*mux.Router, *local.App) {
	app := local.New("http://local1", nil, logging.NewFromEnv("local-test"), nil)
	router := mux.NewRouter()
	RegisterRoutes(router, app, logging.NewFromEnv("local-test"))
	return router, app
}

func TestLocalHandshake_StoresRules(t *testing.T) {
	router, app := newTestRouter()

	body, _ := json.Marshal(rpcdto.LocalHandshakeRequest{Rules: []string{"2|5|read|"}})
	req := httptest.NewRequest(http.MethodPost, "/rpc/local-handshake", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, app.HousekeepingRules(), 1)
}

func TestCreateEnforcementRule_NoHousekeptPairsFails(t *testing.T) {
	router, _ := newTestRouter()

	body, _ := json.Marshal(rpcdto.EnforcementRequest{RuleID: 1, StageName: "tensor", Operation: "read", EnvRates: map[int32]int64{1: 500}})
	req := httptest.NewRequest(http.MethodPost, "/rpc/enforcement-rule", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var ack rpcdto.AckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	require.False(t, ack.OK)
}

func TestCollectGlobalStatistics_EmptyWhenNoStages(t *testing.T) {
	router, _ := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/rpc/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp rpcdto.StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Empty(t, resp.Stats)
}
