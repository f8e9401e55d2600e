package agentapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundry-ci/foundry/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/foundry.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	r := mux.NewRouter()
	New(s, log).Register(r)
	return httptest.NewServer(r), s
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestClaimEmptyQueue(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/agent/claim", map[string]string{"agent_id": "a1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "empty", body["status"])
}

func TestClaimLogFinishFlow(t *testing.T) {
	srv, s := newTestServer(t)
	defer srv.Close()

	repoID, err := s.UpsertRepo(store.UpsertRepoInput{Owner: "o", Name: "r", CloneURL: "https://host/o/r.git"})
	require.NoError(t, err)
	_, err = s.EnqueuePushJob(repoID, store.PushData{Ref: "refs/heads/main", After: "sha1"})
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/agent/claim", map[string]string{"agent_id": "a1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claimResp := decode[map[string]json.RawMessage](t, resp)
	var status string
	require.NoError(t, json.Unmarshal(claimResp["status"], &status))
	require.Equal(t, "claimed", status)

	var job store.ClaimedJob
	require.NoError(t, json.Unmarshal(claimResp["job"], &job))
	require.NotEmpty(t, job.ClaimToken)

	logResp := postJSON(t, srv.URL+"/agent/log", map[string]any{
		"job_id": job.ID, "claim_token": job.ClaimToken, "line": "building",
	})
	assert.Equal(t, http.StatusOK, logResp.StatusCode)

	badLogResp := postJSON(t, srv.URL+"/agent/log", map[string]any{
		"job_id": job.ID, "claim_token": "wrong", "line": "x",
	})
	assert.Equal(t, http.StatusForbidden, badLogResp.StatusCode)

	finishResp := postJSON(t, srv.URL+"/agent/finish", map[string]any{
		"job_id": job.ID, "claim_token": job.ClaimToken, "success": true,
	})
	assert.Equal(t, http.StatusOK, finishResp.StatusCode)

	staleFinishResp := postJSON(t, srv.URL+"/agent/finish", map[string]any{
		"job_id": job.ID, "claim_token": job.ClaimToken, "success": true,
	})
	assert.Equal(t, http.StatusForbidden, staleFinishResp.StatusCode)
}

func TestGetLogsRequiresMatchingToken(t *testing.T) {
	srv, s := newTestServer(t)
	defer srv.Close()

	repoID, err := s.UpsertRepo(store.UpsertRepoInput{Owner: "o", Name: "r"})
	require.NoError(t, err)
	_, err = s.EnqueuePushJob(repoID, store.PushData{Ref: "refs/heads/main", After: "sha1"})
	require.NoError(t, err)

	claim, err := s.ClaimNext("a1")
	require.NoError(t, err)
	_, err = s.AppendLog(claim.ID, claim.ClaimToken, "line one")
	require.NoError(t, err)

	okResp, err := http.Get(srv.URL + "/agent/logs/" + itoa(claim.ID) + "?claim_token=" + claim.ClaimToken)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, okResp.StatusCode)

	forbiddenResp, err := http.Get(srv.URL + "/agent/logs/" + itoa(claim.ID) + "?claim_token=wrong")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, forbiddenResp.StatusCode)
}

func TestScheduleSyncUpsertAndDelete(t *testing.T) {
	srv, s := newTestServer(t)
	defer srv.Close()

	repoID, err := s.UpsertRepo(store.UpsertRepoInput{Owner: "o", Name: "r"})
	require.NoError(t, err)
	_, err = s.EnqueuePushJob(repoID, store.PushData{Ref: "refs/heads/main", After: "sha1"})
	require.NoError(t, err)
	claim, err := s.ClaimNext("a1")
	require.NoError(t, err)

	upsertResp := postJSON(t, srv.URL+"/agent/schedule", map[string]any{
		"repo_id": repoID, "claim_token": claim.ClaimToken, "enabled": true,
		"cron": "0 * * * *", "branch": "main", "timezone": "UTC",
	})
	assert.Equal(t, http.StatusOK, upsertResp.StatusCode)

	schedules, err := s.ListSchedules()
	require.NoError(t, err)
	assert.Len(t, schedules, 1)

	deleteResp := postJSON(t, srv.URL+"/agent/schedule", map[string]any{
		"repo_id": repoID, "claim_token": claim.ClaimToken, "enabled": false,
	})
	assert.Equal(t, http.StatusOK, deleteResp.StatusCode)

	schedules, err = s.ListSchedules()
	require.NoError(t, err)
	assert.Len(t, schedules, 0)
}

func TestTriggerSyncRejectsBadToken(t *testing.T) {
	srv, s := newTestServer(t)
	defer srv.Close()

	repoID, err := s.UpsertRepo(store.UpsertRepoInput{Owner: "o", Name: "r"})
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/agent/triggers", map[string]any{
		"repo_id": repoID, "claim_token": "nope", "branches": []string{"main"}, "pull_requests": true,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
