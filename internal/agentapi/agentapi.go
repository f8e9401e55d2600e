// Package agentapi implements the controller's HTTP endpoints consumed
// only by agents: claim, log, finish, metrics, schedule sync, trigger
// sync. Every mutating endpoint is guarded by the Store's claim-token
// check; ownership lives entirely in the database, not in any
// in-memory session table.
package agentapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/foundry-ci/foundry/internal/store"
	"github.com/foundry-ci/foundry/internal/syncproto"
)

type Handler struct {
	store  *store.Store
	logger *logrus.Logger
}

func New(s *store.Store, logger *logrus.Logger) *Handler {
	return &Handler{store: s, logger: logger}
}

// Register wires every /agent/* route onto r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/agent/claim", h.claim).Methods(http.MethodPost)
	r.HandleFunc("/agent/log", h.postLog).Methods(http.MethodPost)
	r.HandleFunc("/agent/finish", h.finish).Methods(http.MethodPost)
	r.HandleFunc("/agent/logs/{job_id}", h.getLogs).Methods(http.MethodGet)
	r.HandleFunc("/agent/metrics", h.metrics).Methods(http.MethodPost)
	r.HandleFunc("/agent/schedule", h.schedule).Methods(http.MethodPost)
	r.HandleFunc("/agent/triggers", h.triggers).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, syncproto.OKResponse{OK: false, Error: "invalid request body"})
		return false
	}
	return true
}

// claim handles POST /agent/claim. Never errors on an empty queue:
// {status:"empty"} is a 200, not a 404.
func (h *Handler) claim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	claimed, err := h.store.ClaimNext(req.AgentID)
	if err != nil {
		h.logger.WithError(err).Error("agentapi: claim_next")
		writeJSON(w, http.StatusInternalServerError, syncproto.OKResponse{OK: false, Error: "storage error"})
		return
	}
	if claimed == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "empty"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "claimed", "job": claimed})
}

func (h *Handler) postLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID      int64  `json:"job_id"`
		ClaimToken string `json:"claim_token"`
		Line       string `json:"line"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	ok, err := h.store.AppendLog(req.JobID, req.ClaimToken, req.Line)
	if err != nil {
		h.logger.WithError(err).Error("agentapi: append_log")
		writeJSON(w, http.StatusInternalServerError, syncproto.OKResponse{OK: false, Error: "storage error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusForbidden, syncproto.OKResponse{OK: false, Error: "token or state mismatch"})
		return
	}
	writeJSON(w, http.StatusOK, syncproto.OKResponse{OK: true})
}

func (h *Handler) finish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID      int64  `json:"job_id"`
		ClaimToken string `json:"claim_token"`
		Success    bool   `json:"success"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	ok, err := h.store.Finish(req.JobID, req.ClaimToken, req.Success)
	if err != nil {
		h.logger.WithError(err).Error("agentapi: finish")
		writeJSON(w, http.StatusInternalServerError, syncproto.OKResponse{OK: false, Error: "storage error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusForbidden, syncproto.OKResponse{OK: false, Error: "token or state mismatch"})
		return
	}
	writeJSON(w, http.StatusOK, syncproto.OKResponse{OK: true})
}

// getLogs handles GET /agent/logs/{job_id}?claim_token=…, guarded to
// the same job a token was minted for.
func (h *Handler) getLogs(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(mux.Vars(r)["job_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	claimToken := r.URL.Query().Get("claim_token")

	job, err := h.store.GetJob(jobID)
	if err != nil {
		h.logger.WithError(err).Error("agentapi: get_job")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if job == nil || job.ClaimToken != claimToken || claimToken == "" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	logs, err := h.store.GetLogs(jobID)
	if err != nil {
		h.logger.WithError(err).Error("agentapi: get_logs")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID      int64           `json:"job_id"`
		ClaimToken string          `json:"claim_token"`
		Metrics    json.RawMessage `json:"metrics"`
	}
	if !h.decodeBody(w, r, &req) {
		return
	}

	ok, err := h.store.StoreMetrics(req.JobID, req.ClaimToken, string(req.Metrics))
	if err != nil {
		h.logger.WithError(err).Error("agentapi: store_metrics")
		writeJSON(w, http.StatusInternalServerError, syncproto.OKResponse{OK: false, Error: "storage error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusForbidden, syncproto.OKResponse{OK: false, Error: "token mismatch"})
		return
	}
	writeJSON(w, http.StatusOK, syncproto.OKResponse{OK: true})
}

// schedule handles POST /agent/schedule: disabling or
// omitting cron deletes the schedule, otherwise it is upserted.
func (h *Handler) schedule(w http.ResponseWriter, r *http.Request) {
	var req syncproto.ScheduleSyncRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	ok, err := h.store.VerifyJobToken(req.RepoID, req.ClaimToken)
	if err != nil {
		h.logger.WithError(err).Error("agentapi: verify_job_token")
		writeJSON(w, http.StatusInternalServerError, syncproto.OKResponse{OK: false, Error: "storage error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusForbidden, syncproto.OKResponse{OK: false, Error: "token mismatch"})
		return
	}

	if !req.Enabled || req.Cron == "" {
		if _, err := h.store.DeleteSchedule(req.RepoID, req.Branch); err != nil {
			h.logger.WithError(err).Error("agentapi: delete_schedule")
			writeJSON(w, http.StatusInternalServerError, syncproto.OKResponse{OK: false, Error: "storage error"})
			return
		}
		writeJSON(w, http.StatusOK, syncproto.OKResponse{OK: true})
		return
	}

	if _, err := h.store.UpsertSchedule(req.RepoID, req.Cron, req.Branch, req.Timezone); err != nil {
		writeJSON(w, http.StatusBadRequest, syncproto.OKResponse{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, syncproto.OKResponse{OK: true})
}

// triggers handles POST /agent/triggers.
func (h *Handler) triggers(w http.ResponseWriter, r *http.Request) {
	var req syncproto.TriggerSyncRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	ok, err := h.store.VerifyJobToken(req.RepoID, req.ClaimToken)
	if err != nil {
		h.logger.WithError(err).Error("agentapi: verify_job_token")
		writeJSON(w, http.StatusInternalServerError, syncproto.OKResponse{OK: false, Error: "storage error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusForbidden, syncproto.OKResponse{OK: false, Error: "token mismatch"})
		return
	}

	if err := h.store.SyncRepoTriggers(req.RepoID, req.Branches, req.PullRequests, req.PRTargetBranches, req.ConfigJSON); err != nil {
		h.logger.WithError(err).Error("agentapi: sync_repo_triggers")
		writeJSON(w, http.StatusInternalServerError, syncproto.OKResponse{OK: false, Error: "storage error"})
		return
	}
	writeJSON(w, http.StatusOK, syncproto.OKResponse{OK: true})
}
