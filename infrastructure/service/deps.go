package service

import (
	"github.com/R3E-Network/iorate/infrastructure/logging"
	"github.com/R3E-Network/iorate/pkg/config"
)

// SharedDeps holds dependencies common to both the core and local control
// applications, initialized once by Run before the role-specific factory
// builds the concrete service.
type SharedDeps struct {
	Role   config.Role
	Config *config.Config
	Logger *logging.Logger
}
