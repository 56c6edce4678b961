// Package coreconn implements the core connection manager (spec.md §4.5,
// "Core side"): the gRPC-style server, rendered here as JSON-over-HTTP
// routes on the teacher's gorilla/mux idiom, that exposes
// ConnectLocalToGlobal and ConnectStageToGlobal. Both handlers do nothing
// more than enqueue into the core control app's pending queues and return
// OK; the feedback loop performs the actual handshakes asynchronously on
// its next tick (spec.md §4.5).
package coreconn

import (
	"net/http"

	"github.com/gorilla/mux"

	slerrors "github.com/R3E-Network/iorate/infrastructure/errors"
	"github.com/R3E-Network/iorate/infrastructure/httputil"
	"github.com/R3E-Network/iorate/infrastructure/logging"
	"github.com/R3E-Network/iorate/infrastructure/middleware"
	"github.com/R3E-Network/iorate/pkg/controlapp/core"
	"github.com/R3E-Network/iorate/pkg/rpcdto"
)

// RegisterRoutes mounts the core connection manager's registration RPCs on
// router. app is the core control application whose pending queues the
// handlers feed. Registration is rate-limited per caller
// (infrastructure/middleware/ratelimit.go) since a misbehaving local or
// stage retrying a rejected handshake in a tight loop would otherwise
// flood the pending queues faster than the feedback loop drains them.
func RegisterRoutes(router *mux.Router, app *core.App, logger *logging.Logger) {
	cfg := middleware.StrictRateLimiterConfig(logger)
	limiter := middleware.NewRateLimiterFromConfig(cfg)
	middleware.StartCleanupFromConfig(limiter, cfg)

	sub := router.NewRoute().Subrouter()
	sub.Use(limiter.Handler)
	sub.HandleFunc("/rpc/connect-local", connectLocal(app, logger)).Methods(http.MethodPost)
	sub.HandleFunc("/rpc/connect-stage", connectStage(app, logger)).Methods(http.MethodPost)
}

// writeServiceError renders a slerrors.ServiceError as the RPC surface's
// JSON error envelope.
func writeServiceError(w http.ResponseWriter, err *slerrors.ServiceError) {
	httputil.WriteErrorWithCode(w, err.HTTPStatus, string(err.Code), err.Message)
}

// connectLocal implements ConnectLocalToGlobal (spec.md §6): it enqueues
// the local's address into pending_locals for admission on the next
// feedback-loop tick (spec.md §4.4 step 1, §3 "Lifecycle").
func connectLocal(app *core.App, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcdto.ConnectLocalRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if req.LocalAddress == "" {
			writeServiceError(w, slerrors.MissingParameter("local_address"))
			return
		}
		app.EnqueuePendingLocal(req.LocalAddress)
		logger.WithFields(map[string]interface{}{"local": req.LocalAddress}).Info("local controller registration queued")
		httputil.WriteJSON(w, http.StatusOK, rpcdto.AckResponse{OK: true})
	}
}

// connectStage implements ConnectStageToGlobal (spec.md §6): it enqueues a
// (local_addr, name, env, user) tuple into pending_stages for admission on
// the next feedback-loop tick (spec.md §4.4 step 2, §3 "Lifecycle").
func connectStage(app *core.App, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcdto.ConnectStageRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if req.LocalAddress == "" {
			writeServiceError(w, slerrors.MissingParameter("local_address"))
			return
		}
		if req.StageName == "" {
			writeServiceError(w, slerrors.MissingParameter("stage_name"))
			return
		}
		app.EnqueuePendingStage(req.LocalAddress, req.StageName, req.Env, req.User)
		logger.WithFields(map[string]interface{}{
			"local": req.LocalAddress, "job": req.StageName, "env": req.Env, "user": req.User,
		}).Info("stage registration queued")
		httputil.WriteJSON(w, http.StatusOK, rpcdto.AckResponse{OK: true})
	}
}
