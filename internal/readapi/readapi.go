// Package readapi implements the controller's pure-read dashboard
// endpoints plus the handful of operator-triggered mutations (toggle,
// delete, rerun) that sit under the same surface.
package readapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/foundry-ci/foundry/internal/store"
)

const defaultPageSize = 50

type Handler struct {
	store *store.Store
	log   *logrus.Logger
}

func New(s *store.Store, log *logrus.Logger) *Handler {
	return &Handler{store: s, log: log}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/stats", h.stats).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs", h.jobs).Methods(http.MethodGet)
	r.HandleFunc("/api/job/{id}", h.job).Methods(http.MethodGet)
	r.HandleFunc("/api/repos", h.repos).Methods(http.MethodGet)
	r.HandleFunc("/api/schedules", h.schedules).Methods(http.MethodGet)
	r.HandleFunc("/api/schedule/{id}/toggle", h.toggleSchedule).Methods(http.MethodPost)
	r.HandleFunc("/api/schedule/{id}", h.deleteSchedule).Methods(http.MethodDelete)
	r.HandleFunc("/api/job/{id}/rerun", h.rerunJob).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pageLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultPageSize
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.DashboardStats()
	if err != nil {
		h.log.WithError(err).Error("readapi: dashboard_stats")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) jobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs(pageLimit(r))
	if err != nil {
		h.log.WithError(err).Error("readapi: list_jobs")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// logLineView is the {timestamp, message, level} shape returned for
// /api/job/{id}'s parsed logs.
type logLineView struct {
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Level     string `json:"level"`
}

func (h *Handler) job(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	job, err := h.store.GetJob(id)
	if err != nil {
		h.log.WithError(err).Error("readapi: get_job")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if job == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	logs, err := h.store.GetLogs(id)
	if err != nil {
		h.log.WithError(err).Error("readapi: get_logs")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	views := make([]logLineView, 0, len(logs))
	for _, l := range logs {
		views = append(views, logLineView{
			Timestamp: l.Ts.Format("2006-01-02T15:04:05Z07:00"),
			Message:   l.Line,
			Level:     classifyLevel(l.Line),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"job": job, "logs": views})
}

// classifyLevel is a case-insensitive substring heuristic: "error" or
// "warn" anywhere in the line promotes it, everything else is "info".
func classifyLevel(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error"):
		return "error"
	case strings.Contains(lower, "warn"):
		return "warn"
	default:
		return "info"
	}
}

func (h *Handler) repos(w http.ResponseWriter, r *http.Request) {
	repos, err := h.store.ListRepos(pageLimit(r))
	if err != nil {
		h.log.WithError(err).Error("readapi: list_repos")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (h *Handler) schedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.store.ListSchedules()
	if err != nil {
		h.log.WithError(err).Error("readapi: list_schedules")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (h *Handler) toggleSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	enabled, err := h.store.ToggleSchedule(id)
	if err != nil {
		h.log.WithError(err).Error("readapi: toggle_schedule")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	deleted, err := h.store.DeleteScheduleByID(id)
	if err != nil {
		h.log.WithError(err).Error("readapi: delete_schedule_by_id")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rerunJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	newID, err := h.store.Rerun(id)
	if err != nil {
		h.log.WithError(err).Error("readapi: rerun")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if newID == 0 {
		http.Error(w, "job not found or not terminal", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"job_id": newID})
}
