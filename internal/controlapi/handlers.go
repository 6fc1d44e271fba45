// Package controlapi is the orchestrator's internal operator surface: the
// endpoints an election operator (or an upstream service) calls to kick
// off a phase, check on a job, or submit/clear guardian credentials.
package controlapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/cto-orchestrator/internal/credentials"
	"github.com/kenneth/cto-orchestrator/internal/metrics"
	"github.com/kenneth/cto-orchestrator/internal/store"
)

// PhaseStarter starts a phase for an election, returning the new job's id.
// The concrete implementation lives in the orchestrator's wiring layer: it
// runs the chunker, registers the task-instance, and creates the durable
// JobRecord.
type PhaseStarter interface {
	StartTally(ctx context.Context, electionID string, ballotIDs []string) (jobID string, err error)
	StartPartialDecryption(ctx context.Context, electionID, guardianID string) (jobID string, err error)
	StartCombine(ctx context.Context, electionID string) (jobID string, err error)
}

// Handler serves the control API.
type Handler struct {
	starter         PhaseStarter
	jobs            store.JobRecordStore
	credentials     *credentials.Store
	allowlist       *ElectionAllowlist
	logger          *logrus.Logger
	metrics         *metrics.Metrics
	readinessChecks map[string]func(context.Context) error
}

// NewHandler constructs a control API Handler. allowlist may be nil, in
// which case every electionId is accepted. readinessChecks maps a
// dependency name to a probe consulted by GET /ready; it may be nil.
func NewHandler(starter PhaseStarter, jobs store.JobRecordStore, creds *credentials.Store, allowlist *ElectionAllowlist, logger *logrus.Logger, m *metrics.Metrics, readinessChecks map[string]func(context.Context) error) *Handler {
	if allowlist == nil {
		allowlist = NewElectionAllowlist(nil, logger)
	}
	return &Handler{starter: starter, jobs: jobs, credentials: creds, allowlist: allowlist, logger: logger, metrics: m, readinessChecks: readinessChecks}
}

// RegisterRoutes registers every control API route onto r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", metrics.ReadinessHandler(h.readinessChecks)).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)

	elections := r.PathPrefix("/elections/{electionId}").Subrouter()
	elections.Use(h.allowlist.Middleware)
	elections.HandleFunc("/tally", h.handleStartTally).Methods(http.MethodPost)
	elections.HandleFunc("/guardians/{guardianId}/partial-decryption", h.handleStartPartialDecryption).Methods(http.MethodPost)
	elections.HandleFunc("/combine", h.handleStartCombine).Methods(http.MethodPost)
	elections.HandleFunc("/guardians/{guardianId}/credentials", h.handlePutCredentials).Methods(http.MethodPut)
	elections.HandleFunc("/guardians/{guardianId}/credentials", h.handleDeleteCredentials).Methods(http.MethodDelete)

	r.HandleFunc("/jobs/{jobId}", h.handleGetJob).Methods(http.MethodGet)
}

type startTallyRequest struct {
	BallotIDs []string `json:"ballotIds"`
}

type jobResponse struct {
	JobID string `json:"jobId"`
}

func (h *Handler) handleStartTally(w http.ResponseWriter, r *http.Request) {
	electionID := mux.Vars(r)["electionId"]

	var req startTallyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.BallotIDs) == 0 {
		h.writeError(w, r, http.StatusBadRequest, "ballotIds must not be empty")
		return
	}

	jobID, err := h.starter.StartTally(r.Context(), electionID, req.BallotIDs)
	if err != nil {
		h.logger.WithError(err).WithField("election_id", electionID).Error("start tally failed")
		h.writeError(w, r, http.StatusInternalServerError, "failed to start tally")
		return
	}
	h.writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID})
}

func (h *Handler) handleStartPartialDecryption(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	electionID, guardianID := vars["electionId"], vars["guardianId"]

	jobID, err := h.starter.StartPartialDecryption(r.Context(), electionID, guardianID)
	if err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{"election_id": electionID, "guardian_id": guardianID}).Error("start partial decryption failed")
		h.writeError(w, r, http.StatusInternalServerError, "failed to start partial decryption")
		return
	}
	h.writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID})
}

func (h *Handler) handleStartCombine(w http.ResponseWriter, r *http.Request) {
	electionID := mux.Vars(r)["electionId"]

	jobID, err := h.starter.StartCombine(r.Context(), electionID)
	if err != nil {
		h.logger.WithError(err).WithField("election_id", electionID).Error("start combine failed")
		h.writeError(w, r, http.StatusInternalServerError, "failed to start combine")
		return
	}
	h.writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID})
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	job, err := h.jobs.Get(r.Context(), jobID)
	if err == store.ErrNotFound {
		h.writeError(w, r, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("job_id", jobID).Error("get job failed")
		h.writeError(w, r, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

type putCredentialsRequest struct {
	PrivateKey string `json:"privateKey"`
	Polynomial string `json:"polynomial"`
}

// handlePutCredentials stores a guardian's unwrapped key material. The
// request body is never logged, and the response echoes only
// confirmation, never the submitted values.
func (h *Handler) handlePutCredentials(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	electionID, guardianID := vars["electionId"], vars["guardianId"]

	var req putCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PrivateKey == "" || req.Polynomial == "" {
		h.writeError(w, r, http.StatusBadRequest, "privateKey and polynomial are required")
		return
	}

	if err := h.credentials.Put(r.Context(), electionID, guardianID, req.PrivateKey, req.Polynomial); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{"election_id": electionID, "guardian_id": guardianID}).Error("store credentials failed")
		h.writeError(w, r, http.StatusInternalServerError, "failed to store credentials")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteCredentials(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	electionID, guardianID := vars["electionId"], vars["guardianId"]

	if err := h.credentials.Clear(r.Context(), electionID, guardianID); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{"election_id": electionID, "guardian_id": guardianID}).Error("clear credentials failed")
		h.writeError(w, r, http.StatusInternalServerError, "failed to clear credentials")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, _ *http.Request, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}
