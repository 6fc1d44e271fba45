package controlapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"
)

// ElectionAllowlist restricts which electionId values the control API
// will act on, expressed as glob patterns (e.g. "prod-*", "*"). An empty
// allowlist permits every election -- deployments that don't multiplex
// several election authorities onto one orchestrator instance need not
// configure one.
//
// This exists purely to keep an operator from pointing a script at the
// wrong election by typo; it is not a security boundary, and the
// decision reads nothing but the electionId path variable.
type ElectionAllowlist struct {
	patterns []string
	logger   *logrus.Logger
}

// NewElectionAllowlist builds an allowlist from glob patterns.
func NewElectionAllowlist(patterns []string, logger *logrus.Logger) *ElectionAllowlist {
	return &ElectionAllowlist{patterns: patterns, logger: logger}
}

// Allows reports whether electionID matches at least one configured
// pattern, or true unconditionally when no patterns are configured.
func (a *ElectionAllowlist) Allows(electionID string) bool {
	if len(a.patterns) == 0 {
		return true
	}
	for _, pattern := range a.patterns {
		if glob.Glob(pattern, electionID) {
			return true
		}
	}
	return false
}

// Middleware rejects requests whose {electionId} path variable doesn't
// match the allowlist with 404, so a disallowed election looks
// indistinguishable from one that doesn't exist.
func (a *ElectionAllowlist) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		electionID, ok := mux.Vars(r)["electionId"]
		if !ok || a.Allows(electionID) {
			next.ServeHTTP(w, r)
			return
		}
		if a.logger != nil {
			a.logger.WithField("election_id", electionID).Warn("controlapi: election rejected by allowlist")
		}
		http.NotFound(w, r)
	})
}
