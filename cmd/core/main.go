// Command core runs the core control application: the feedback loop that
// collects telemetry from every admitted local controller, runs the
// configured allocator, and dispatches enforcement rules back down
// (spec.md §4.4).
package main

import (
	"context"
	"fmt"

	"github.com/R3E-Network/iorate/infrastructure/metrics"
	"github.com/R3E-Network/iorate/infrastructure/service"
	"github.com/R3E-Network/iorate/pkg/administrator"
	"github.com/R3E-Network/iorate/pkg/config"
	"github.com/R3E-Network/iorate/pkg/connmgr/coreconn"
	"github.com/R3E-Network/iorate/pkg/controlapp/core"
	"github.com/R3E-Network/iorate/pkg/rule"
	"github.com/R3E-Network/iorate/pkg/version"
)

// coreRunner adapts core.App and the administrator to service.Runner.
type coreRunner struct {
	*service.BaseService
	app   *core.App
	admin *administrator.Administrator
}

func newCoreRunner(deps *service.SharedDeps) (service.Runner, error) {
	cfg := deps.Config

	allocator, err := selectAllocator(cfg.Controller.ControlType)
	if err != nil {
		return nil, err
	}

	m := metrics.Global()

	var housekeeping []string
	if cfg.Controller.HousekeepingRulesFile != "" {
		housekeeping, err = rule.ReadHousekeepingFile(cfg.Controller.HousekeepingRulesFile)
		if err != nil {
			return nil, fmt.Errorf("core: load housekeeping rules: %w", err)
		}
	}

	app := core.New(&cfg.Controller, deps.Logger, m, allocator, housekeeping)

	base := service.NewBase(&service.BaseConfig{
		ID:      "core",
		Name:    "iorate-core",
		Version: version.Version,
		Logger:  deps.Logger,
	})
	base.WithStats(app.Statistics)
	base.AddTickerWorker(cfg.Controller.CycleSleepTime, app.Tick,
		service.WithTickerWorkerName("feedback-loop"))

	if err := service.RequireInStrict(cfg.Controller.PoliciesRulesFile != "", "core", "policies_rules_file"); err != nil {
		return nil, err
	}

	admin := administrator.New(deps.Logger)
	if cfg.Controller.PoliciesRulesFile != "" {
		base.WithHydrate(func(ctx context.Context) error {
			if err := admin.Load(cfg.Controller.PoliciesRulesFile, app); err != nil {
				return fmt.Errorf("core: load policies file: %w", err)
			}
			admin.Start()
			return nil
		})
	}

	coreconn.RegisterRoutes(base.Router(), app, deps.Logger)
	base.RegisterStandardRoutes()

	return &coreRunner{BaseService: base, app: app, admin: admin}, nil
}

func (r *coreRunner) Stop() error {
	r.admin.Stop()
	return r.BaseService.Stop()
}

func selectAllocator(ct config.ControlType) (core.Allocator, error) {
	switch ct {
	case config.ControlStatic:
		return core.NewStaticAllocator(), nil
	case config.ControlDynamicVanilla, "":
		return core.NewDynamicVanillaAllocator(), nil
	case config.ControlDynamicLeftover:
		return core.NewDynamicLeftoverAllocator(), nil
	default:
		return nil, fmt.Errorf("core: unknown control_type %q", ct)
	}
}

func main() {
	service.Run(config.RoleCore, newCoreRunner)
}
