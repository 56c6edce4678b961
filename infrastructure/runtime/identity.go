// Package runtime provides environment/runtime detection helpers shared across the service layer.
package runtime

import (
	"os"
	"strings"
	"sync"
)

// strictIdentityModeOnce caches the strict identity mode check at startup.
var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when a core or local controller address
// must be https (infrastructure/httputil.NormalizeServiceBaseURL), since a
// production deployment of the control plane shouldn't silently accept a
// plaintext peer because of a mis-set IORATE_ENV. IORATE_REQUIRE_TLS can
// force strict mode on outside of Production, e.g. for a staging
// environment that still terminates TLS between core and local.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		requireTLS := strings.TrimSpace(os.Getenv("IORATE_REQUIRE_TLS"))
		strictIdentityModeValue = Env() == Production || requireTLS == "1" || requireTLS == "true"
	})
	return strictIdentityModeValue
}
