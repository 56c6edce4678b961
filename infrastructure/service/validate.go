package service

import (
	"fmt"
	"strings"

	"github.com/R3E-Network/iorate/infrastructure/runtime"
)

// RequireNonEmpty returns an error if value is blank after trimming.
func RequireNonEmpty(value, serviceID, what string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s: %s is required", serviceID, what)
	}
	return nil
}

// IsStrict returns true if running in strict/production mode, where
// configuration gaps that are tolerated in development must fail fast.
func IsStrict() bool {
	return runtime.StrictIdentityMode() || runtime.IsProduction()
}

// RequireInStrict returns an error if present is false and the process is
// running in strict mode. Use for rule files, socket directories, and other
// dependencies that are optional in development but mandatory in production.
func RequireInStrict(present bool, serviceID, what string) error {
	if IsStrict() && !present {
		return fmt.Errorf("%s: %s is required in strict mode", serviceID, what)
	}
	return nil
}
