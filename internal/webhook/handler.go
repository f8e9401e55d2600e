// Package webhook implements the controller's public ingest endpoint:
// signature verification, then archival before any dispatch into
// enqueued jobs.
package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/foundry-ci/foundry/internal/store"
)

const maxBodyBytes = 5 * 1024 * 1024

// Handler verifies and dispatches incoming VCS webhook deliveries.
// Grounded on the incoming-webhook handler shape in other_examples'
// github-runners-infra internal/webhook/handler.go (signature header,
// event-type header, bounded body read), adapted from a single
// workflow_job event to a push/pull_request state machine.
type Handler struct {
	store  *store.Store
	secret []byte
	log    *logrus.Logger
}

func New(s *store.Store, secret string, log *logrus.Logger) *Handler {
	return &Handler{store: s, secret: []byte(secret), log: log}
}

// Register wires the ingest endpoint onto r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/webhook/github", h.handle).Methods(http.MethodPost)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request too large or unreadable", http.StatusBadRequest)
		return
	}

	sigHeader := r.Header.Get("X-Hub-Signature-256")
	if sigHeader == "" || !verifySignature(body, sigHeader, h.secret) {
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	// Archive before any parsing or dispatch, unconditionally: the raw
	// delivery is durable even if parsing or enqueueing fails below.
	// The job_id column is patched in afterward via linkJob, once (and
	// only if) a job actually gets enqueued.
	h.archive(eventType, deliveryID, body, nil)

	var jobID *int64
	var dispatchErr error

	switch eventType {
	case "push":
		jobID, dispatchErr = h.handlePush(body)
		if dispatchErr != nil {
			h.log.WithError(dispatchErr).Error("webhook: handling push event")
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
	case "pull_request":
		jobID, dispatchErr = h.handlePullRequest(body)
		if dispatchErr != nil {
			h.log.WithError(dispatchErr).Error("webhook: handling pull_request event")
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
	default:
		// Unrecognized event type: archived above, 200-OK-no-op.
	}

	if jobID != nil {
		h.linkJob(deliveryID, *jobID)
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handler) archive(eventType, deliveryID string, body []byte, jobID *int64) {
	if _, err := h.store.StoreWebhookEvent(eventType, deliveryID, body, jobID); err != nil {
		h.log.WithError(err).Warn("webhook: archiving delivery")
	}
}

func (h *Handler) linkJob(deliveryID string, jobID int64) {
	if err := h.store.LinkWebhookJob(deliveryID, jobID); err != nil {
		h.log.WithError(err).Warn("webhook: linking job to archived delivery")
	}
}

// handlePush enqueues a push job when the pushed branch is one the repo
// builds. Returns a nil jobID, nil error for a deliberate no-op
// (deleted ref, non-build branch).
func (h *Handler) handlePush(body []byte) (*int64, error) {
	var p pushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, nil // malformed payload: archived, silently ignored
	}
	if p.Deleted {
		return nil, nil
	}

	branch := strings.TrimPrefix(p.Ref, "refs/heads/")
	owner := p.Repository.Owner.Login
	name := p.Repository.Name

	ok, err := h.store.ShouldBuildBranch(owner, name, branch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	repoID, err := h.store.UpsertRepo(store.UpsertRepoInput{
		Owner:         owner,
		Name:          name,
		CloneURL:      p.Repository.CloneURL,
		SSHURL:        p.Repository.SSHURL,
		HTMLURL:       p.Repository.HTMLURL,
		Private:       p.Repository.Private,
		VCSID:         p.Repository.ID,
		FullName:      p.Repository.FullName,
		DefaultBranch: p.Repository.DefaultBranch,
		Language:      p.Repository.Language,
		Description:   p.Repository.Description,
	})
	if err != nil {
		return nil, err
	}

	var filesChanged []string
	for _, c := range p.Commits {
		filesChanged = append(filesChanged, c.Added...)
		filesChanged = append(filesChanged, c.Removed...)
		filesChanged = append(filesChanged, c.Modified...)
	}

	jobID, err := h.store.EnqueuePushJob(repoID, store.PushData{
		Ref:           p.Ref,
		After:         p.After,
		CommitMessage: p.HeadCommit.Message,
		CommitAuthor:  p.HeadCommit.Author.Name,
		CommitURL:     p.HeadCommit.URL,
		FilesChanged:  filesChanged,
	})
	if err != nil {
		return nil, err
	}

	var commits []store.CommitRecord
	for _, c := range p.Commits {
		commits = append(commits, store.CommitRecord{
			SHA:          c.ID,
			Author:       c.Author.Name,
			Committer:    c.Committer.Name,
			TreeID:       c.TreeID,
			Distinct:     c.Distinct,
			FilesChanged: append(append([]string{}, c.Added...), append(c.Removed, c.Modified...)...),
		})
	}
	if len(commits) > 0 {
		if err := h.store.StoreCommits(jobID, commits); err != nil {
			return nil, err
		}
	}

	return &jobID, nil
}

// handlePullRequest enqueues a PR job for actionable, non-draft pull
// request events against a tracked base branch.
func (h *Handler) handlePullRequest(body []byte) (*int64, error) {
	var p pullRequestPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, nil
	}
	if !buildablePRActions[p.Action] || p.PullRequest.Draft {
		return nil, nil
	}

	head := p.PullRequest.Head.Repo
	owner := head.Owner.Login
	name := head.Name

	ok, err := h.store.ShouldBuildPR(owner, name, p.PullRequest.Base.Ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	repoID, err := h.store.UpsertRepo(store.UpsertRepoInput{
		Owner:         owner,
		Name:          name,
		CloneURL:      head.CloneURL,
		SSHURL:        head.SSHURL,
		HTMLURL:       head.HTMLURL,
		Private:       head.Private,
		VCSID:         head.ID,
		FullName:      head.FullName,
		DefaultBranch: head.DefaultBranch,
	})
	if err != nil {
		return nil, err
	}

	jobID, err := h.store.EnqueuePRJob(repoID, store.PRData{
		Number:  int64(p.PullRequest.Number),
		SHA:     p.PullRequest.Head.SHA,
		Title:   p.PullRequest.Title,
		URL:     p.PullRequest.URL,
		Author:  p.PullRequest.User.Login,
		BaseRef: p.PullRequest.Base.Ref,
		BaseSHA: p.PullRequest.Base.SHA,
	})
	if err != nil {
		return nil, err
	}
	return &jobID, nil
}
