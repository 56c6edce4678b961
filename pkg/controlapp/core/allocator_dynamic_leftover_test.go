package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/iorate/pkg/config"
)

// DYNAMIC-LEFTOVER uses the last observed telemetry rate, not demand, as
// the water-fill input (spec.md §4.4.3). A freshly admitted job with no
// telemetry yet falls back to its declared demand. With a single job against
// the full system budget, the leftover-redistribution pass grants the whole
// remaining budget on top of the demand-capped first-pass share, since there
// is no other job to absorb the leftover.
func TestDynamicLeftoverFallsBackToDemandWithoutTelemetry(t *testing.T) {
	app := newTestCoreApp(t, 1000, NewDynamicLeftoverAllocator())
	registerStage(app, "A", "L1", 1, "alice")
	app.mu.Lock()
	app.tables.demand["A"] = 200
	app.mu.Unlock()

	bundles, err := app.allocator.Allocate(app)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, map[int32]int64{1: 1000}, bundles[0].EnvRates)
}

// Once telemetry has been observed (simulating a prior refreshTelemetry
// call), DYNAMIC-LEFTOVER waterfills against the observed rate rather than
// the declared demand.
func TestDynamicLeftoverUsesObservedRateOverDemand(t *testing.T) {
	app := newTestCoreApp(t, 1000, NewDynamicLeftoverAllocator())
	registerStage(app, "A", "L1", 1, "alice")
	registerStage(app, "B", "L1", 2, "alice")
	app.mu.Lock()
	app.tables.demand["A"] = 1 // demand is irrelevant once telemetry exists
	app.tables.rate["A"] = 300
	app.tables.demand["B"] = 1
	app.tables.rate["B"] = 700
	app.mu.Unlock()

	bundles, err := app.allocator.Allocate(app)
	require.NoError(t, err)

	got := map[string]map[int32]int64{}
	for _, b := range bundles {
		got[b.JobName] = b.EnvRates
	}
	assert.Equal(t, map[int32]int64{1: 300}, got["A"])
	assert.Equal(t, map[int32]int64{2: 700}, got["B"])
}

// The stability gate applies identically to DYNAMIC-LEFTOVER: a second
// cycle with unchanged observed telemetry dispatches nothing.
func TestDynamicLeftoverStabilityGateSuppressesRepeatCycle(t *testing.T) {
	app := newTestCoreApp(t, 1000, NewDynamicLeftoverAllocator())
	registerStage(app, "A", "L1", 1, "alice")
	app.mu.Lock()
	app.tables.rate["A"] = 400
	app.mu.Unlock()

	first, err := app.allocator.Allocate(app)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Simulate refreshTelemetry observing the same rate again next cycle.
	app.mu.Lock()
	app.tables.rate["A"] = 400
	app.mu.Unlock()

	second, err := app.allocator.Allocate(app)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestDynamicLeftoverControlType(t *testing.T) {
	assert.Equal(t, config.ControlDynamicLeftover, NewDynamicLeftoverAllocator().ControlType())
}
