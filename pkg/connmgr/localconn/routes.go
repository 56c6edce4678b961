// Package localconn implements the local connection manager (spec.md
// §4.5, "Local side"): the northbound RPC surface a local controller
// serves for the core (LocalHandshake, CreateEnforcementRule,
// CollectGlobalStatistics[Aggregated], MarkStageReady), rendered as
// JSON-over-HTTP routes per SPEC_FULL §6, plus the stage-socket acceptor
// that turns each accepted Unix domain socket connection into a
// HandshakeSession (spec.md §4.5).
package localconn

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/iorate/infrastructure/httputil"
	"github.com/R3E-Network/iorate/infrastructure/logging"
	"github.com/R3E-Network/iorate/pkg/controlapp/local"
	"github.com/R3E-Network/iorate/pkg/rpcdto"
	"github.com/R3E-Network/iorate/pkg/status"
)

// RegisterRoutes mounts the local controller's northbound RPC surface on
// router (spec.md §6).
func RegisterRoutes(router *mux.Router, app *local.App, logger *logging.Logger) {
	router.HandleFunc("/rpc/local-handshake", localHandshake(app, logger)).Methods(http.MethodPost)
	router.HandleFunc("/rpc/stage-ready", markStageReady(app)).Methods(http.MethodPost)
	router.HandleFunc("/rpc/enforcement-rule", createEnforcementRule(app, logger)).Methods(http.MethodPost)
	router.HandleFunc("/rpc/stats", collectGlobalStatistics(app, logger)).Methods(http.MethodGet)
	router.HandleFunc("/rpc/stats-aggregated", collectGlobalStatisticsAggregated(app, logger)).Methods(http.MethodGet)
}

// localHandshake implements LocalHandshake (spec.md §6, §4.3 step 3):
// memoises the housekeeping rule list the core computed for this local.
func localHandshake(app *local.App, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcdto.LocalHandshakeRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if st := app.LocalHandshake(req.Rules); st.IsError() {
			logger.WithError(st.Err()).Warn("local handshake rejected")
			httputil.WriteJSON(w, http.StatusOK, rpcdto.AckResponse{OK: false, Error: st.Err().Error()})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, rpcdto.AckResponse{OK: true})
	}
}

// markStageReady implements MarkStageReady (spec.md §6). It is unused by
// the normal bring-up path (STAGE_READY is already issued once during
// HandleStageConnection) but is retained on the northbound surface per
// spec.md §6's RPC table.
func markStageReady(app *local.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcdto.StageReadyRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		st := app.MarkStageReady(req.StageName, req.Env)
		httputil.WriteJSON(w, http.StatusOK, ackFromStatus(st))
	}
}

// createEnforcementRule implements CreateEnforcementRule (spec.md §6,
// §4.3 "Enforcement fan-out").
func createEnforcementRule(app *local.App, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcdto.EnforcementRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		st := app.CreateEnforcementRule(req.RuleID, req.StageName, req.Operation, req.EnvRates)
		if st.IsError() {
			logger.WithError(st.Err()).Warn("enforcement fan-out failed")
		}
		httputil.WriteJSON(w, http.StatusOK, ackFromStatus(st))
	}
}

// collectGlobalStatistics implements CollectGlobalStatistics (spec.md §6,
// §4.4.4) via httputil.HandleNoBody, which maps the status.Status outcome
// to the response envelope and handles the (rare) transport-less failure
// case the same way every other body-less RPC on this surface does.
func collectGlobalStatistics(app *local.App, logger *logging.Logger) http.HandlerFunc {
	return httputil.HandleNoBody(logger, func(ctx context.Context) (rpcdto.StatsResponse, error) {
		stats, st := app.CollectGlobalStatistics(ctx)
		if st.IsError() {
			return rpcdto.StatsResponse{}, st.Err()
		}
		return rpcdto.StatsResponse{Stats: stats}, nil
	})
}

// collectGlobalStatisticsAggregated implements
// CollectGlobalStatisticsAggregated, specified as an alias of
// CollectGlobalStatistics (spec.md §9, Open Question).
func collectGlobalStatisticsAggregated(app *local.App, logger *logging.Logger) http.HandlerFunc {
	return httputil.HandleNoBody(logger, func(ctx context.Context) (rpcdto.StatsResponse, error) {
		stats, st := app.CollectGlobalStatisticsAggregated(ctx)
		if st.IsError() {
			return rpcdto.StatsResponse{}, st.Err()
		}
		return rpcdto.StatsResponse{Stats: stats}, nil
	})
}

func ackFromStatus(st status.Status) rpcdto.AckResponse {
	if !st.IsError() {
		return rpcdto.AckResponse{OK: true}
	}
	ack := rpcdto.AckResponse{OK: false}
	if err := st.Err(); err != nil {
		ack.Error = err.Error()
	}
	return ack
}
