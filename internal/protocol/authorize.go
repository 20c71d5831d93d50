package protocol

import (
	"github.com/loghaven/loghaven/internal/config"
	"github.com/loghaven/loghaven/internal/lease"
)

// TokenAllowed decides whether a request against a logger passes the
// token policy. The short-circuits mirror issuance policy: no check
// when tokens are off, when unknown loggers are open and the logger is
// unknown, or when default access codes cover a logger with no
// registered codes. Everything else needs a live token on the lease.
func TokenAllowed(cfg *config.Config, reg *lease.Registry, leaseID, loggerID, token string, at int64) bool {
	if !cfg.RequiresToken() {
		return true
	}
	if cfg.AllowUnknownLoggers() && !cfg.IsKnownLogger(loggerID) {
		return true
	}
	if cfg.AllowDefaultAccessCode() && !cfg.HasAccessCodes(loggerID) {
		return true
	}
	return reg.HasValidToken(leaseID, loggerID, token, at)
}
