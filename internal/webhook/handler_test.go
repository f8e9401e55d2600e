package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-ci/foundry/internal/store"
)

const testSecret = "s3cret"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/foundry.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	r := mux.NewRouter()
	New(s, testSecret, log).Register(r)
	return httptest.NewServer(r), s
}

func post(t *testing.T, srv *httptest.Server, eventType string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook/github", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	req.Header.Set("X-Hub-Signature-256", sign(body))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestRejectsBadSignature(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhook/github", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPushEnqueuesJobForDefaultBranch(t *testing.T) {
	srv, s := newTestServer(t)
	defer srv.Close()

	payload := map[string]any{
		"ref":     "refs/heads/main",
		"after":   "abc123",
		"deleted": false,
		"repository": map[string]any{
			"name":      "repo",
			"full_name": "o/repo",
			"clone_url": "https://github.com/o/repo.git",
			"owner":     map[string]any{"login": "o"},
		},
		"head_commit": map[string]any{
			"id":      "abc123",
			"message": "fix bug",
		},
	}
	resp := post(t, srv, "push", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	jobs, err := s.ListJobs(10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "abc123", jobs[0].GitSHA)
	assert.Equal(t, store.TriggerPush, jobs[0].TriggerType)
}

func TestPushIgnoresNonBuildBranch(t *testing.T) {
	srv, s := newTestServer(t)
	defer srv.Close()

	payload := map[string]any{
		"ref":   "refs/heads/feature-x",
		"after": "abc123",
		"repository": map[string]any{
			"name":      "repo",
			"full_name": "o/repo",
			"owner":     map[string]any{"login": "o"},
		},
	}
	resp := post(t, srv, "push", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	jobs, err := s.ListJobs(10)
	require.NoError(t, err)
	assert.Len(t, jobs, 0)
}

func TestPullRequestIgnoresDraft(t *testing.T) {
	srv, s := newTestServer(t)
	defer srv.Close()

	payload := map[string]any{
		"action": "opened",
		"pull_request": map[string]any{
			"number": 1,
			"draft":  true,
			"head": map[string]any{
				"sha": "abc",
				"repo": map[string]any{
					"name":      "repo",
					"full_name": "o/repo",
					"owner":     map[string]any{"login": "o"},
				},
			},
			"base": map[string]any{"ref": "main"},
		},
	}
	resp := post(t, srv, "pull_request", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	jobs, err := s.ListJobs(10)
	require.NoError(t, err)
	assert.Len(t, jobs, 0)
}

func TestPullRequestEnqueuesOnOpen(t *testing.T) {
	srv, s := newTestServer(t)
	defer srv.Close()

	payload := map[string]any{
		"action": "opened",
		"pull_request": map[string]any{
			"number": 7,
			"draft":  false,
			"title":  "add feature",
			"head": map[string]any{
				"sha": "def456",
				"repo": map[string]any{
					"name":      "repo",
					"full_name": "o/repo",
					"clone_url": "https://github.com/o/repo.git",
					"owner":     map[string]any{"login": "o"},
				},
			},
			"base": map[string]any{"ref": "main", "sha": "aaa"},
		},
	}
	resp := post(t, srv, "pull_request", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	jobs, err := s.ListJobs(10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "def456", jobs[0].GitSHA)
	assert.Equal(t, store.TriggerPullRequest, jobs[0].TriggerType)
	assert.Equal(t, "refs/pull/7/head", jobs[0].GitRef)
}

func TestDuplicateDeliveryArchivedOnce(t *testing.T) {
	srv, s := newTestServer(t)
	defer srv.Close()

	payload := map[string]any{
		"ref":   "refs/heads/main",
		"after": "abc123",
		"repository": map[string]any{
			"name":      "repo",
			"full_name": "o/repo",
			"owner":     map[string]any{"login": "o"},
		},
	}
	post(t, srv, "push", payload)
	post(t, srv, "push", payload)

	event, err := s.GetWebhookEvent("delivery-1")
	require.NoError(t, err)
	require.NotNil(t, event)

	// Both deliveries enqueue a job; the archive row itself is
	// unique-keyed and only the first insert sticks.
	jobs, err := s.ListJobs(10)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
