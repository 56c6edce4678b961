// Command local runs the local control application: stage bring-up over a
// Unix domain socket, enforcement fan-out, and telemetry aggregation for
// the stages attached to one host (spec.md §4.3).
package main

import (
	"context"
	"fmt"

	"github.com/R3E-Network/iorate/infrastructure/metrics"
	"github.com/R3E-Network/iorate/infrastructure/service"
	"github.com/R3E-Network/iorate/pkg/config"
	"github.com/R3E-Network/iorate/pkg/connmgr/localconn"
	"github.com/R3E-Network/iorate/pkg/controlapp/local"
	"github.com/R3E-Network/iorate/pkg/rule"
	"github.com/R3E-Network/iorate/pkg/version"
)

func newLocalRunner(deps *service.SharedDeps) (service.Runner, error) {
	cfg := deps.Config

	if err := service.RequireNonEmpty(cfg.Controller.LocalAddress, "local", "local_address"); err != nil {
		return nil, err
	}
	if err := service.RequireInStrict(cfg.Controller.HousekeepingRulesFile != "", "local", "housekeeping_rules_file"); err != nil {
		return nil, err
	}

	coreClient, err := local.NewHTTPCoreClient(cfg.Controller.CoreAddress)
	if err != nil {
		return nil, fmt.Errorf("local: core_address: %w", err)
	}
	app := local.New(cfg.Controller.LocalAddress, coreClient, deps.Logger, metrics.Global())

	acceptor, err := localconn.Listen(cfg.Controller.SocketDir, cfg.Controller.LocalAddress, app, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("local: listen on stage socket: %w", err)
	}

	base := service.NewBase(&service.BaseConfig{
		ID:      "local",
		Name:    "iorate-local",
		Version: version.Version,
		Logger:  deps.Logger,
	})
	base.WithStats(app.Statistics)

	base.WithHydrate(func(ctx context.Context) error {
		if err := coreClient.RegisterLocal(ctx, cfg.Controller.LocalAddress).Err(); err != nil {
			return fmt.Errorf("local: register with core: %w", err)
		}
		if cfg.Controller.HousekeepingRulesFile != "" {
			rules, err := rule.ReadHousekeepingFile(cfg.Controller.HousekeepingRulesFile)
			if err != nil {
				return fmt.Errorf("local: load housekeeping rules: %w", err)
			}
			if st := app.LocalHandshake(rules); st.IsError() {
				return fmt.Errorf("local: pre-populate housekeeping rules: %w", st.Err())
			}
		}
		return nil
	})
	base.AddWorker(acceptor.Serve)

	localconn.RegisterRoutes(base.Router(), app, deps.Logger)
	base.RegisterStandardRoutes()

	return &localRunner{BaseService: base, acceptor: acceptor}, nil
}

type localRunner struct {
	*service.BaseService
	acceptor *localconn.Acceptor
}

func (r *localRunner) Stop() error {
	_ = r.acceptor.Close()
	return r.BaseService.Stop()
}

func main() {
	service.Run(config.RoleLocal, newLocalRunner)
}
