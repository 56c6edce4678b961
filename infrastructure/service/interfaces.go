// Package service provides common lifecycle infrastructure shared by the
// core and local control applications.
package service

import (
	"context"

	"github.com/gorilla/mux"
)

// =============================================================================
// Core Service Interfaces
// =============================================================================

// ControlService is the interface both the core and local control
// applications implement, giving them a consistent startup/shutdown and
// HTTP exposure contract.
type ControlService interface {
	// Identity
	ID() string
	Name() string
	Version() string

	// Lifecycle
	Start(ctx context.Context) error
	Stop() error

	// HTTP
	Router() *mux.Router
}

// =============================================================================
// Optional Capability Interfaces
// =============================================================================

// StatisticsProvider provides runtime statistics for the /info endpoint.
type StatisticsProvider interface {
	// Statistics returns service-specific runtime statistics.
	Statistics() map[string]any
}

// Hydratable services can reload state from persistence on startup.
type Hydratable interface {
	// Hydrate loads persistent state into memory.
	Hydrate(ctx context.Context) error
}

// =============================================================================
// Health Check Interface
// =============================================================================

// HealthChecker provides custom health check logic.
type HealthChecker interface {
	// HealthStatus returns the current health status.
	// Returns "healthy", "degraded", or "unhealthy".
	HealthStatus() string

	// HealthDetails returns detailed health information.
	HealthDetails() map[string]any
}
