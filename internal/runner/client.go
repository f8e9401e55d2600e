package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/foundry-ci/foundry/internal/store"
	"github.com/foundry-ci/foundry/internal/syncproto"
)

// ControllerClient is the agent's outbound half of the claim/log/
// finish/metrics/schedule/triggers contract, retrying control-plane
// calls with the same exponential-backoff-on-429/5xx shape as
// internal/ghapp's doRequest.
type ControllerClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewControllerClient(baseURL string) *ControllerClient {
	return &ControllerClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
	}
}

type claimResponse struct {
	Status string            `json:"status"`
	Job    *store.ClaimedJob `json:"job,omitempty"`
}

// Claim polls for the next queued job. Returns (nil, nil) on an empty
// queue.
func (c *ControllerClient) Claim(ctx context.Context, agentID string) (*store.ClaimedJob, error) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/agent/claim", map[string]string{"agent_id": agentID})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out claimResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode claim response: %w", err)
	}
	if out.Status == "empty" {
		return nil, nil
	}
	return out.Job, nil
}

// Log posts a single log line under a job's lease. ok=false means the
// lease is gone and the caller should stop streaming.
func (c *ControllerClient) Log(ctx context.Context, jobID int64, claimToken, line string) (ok bool) {
	resp, err := c.doRequest(ctx, http.MethodPost, "/agent/log", map[string]any{
		"job_id": jobID, "claim_token": claimToken, "line": line,
	})
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Finish reports a job's terminal outcome.
func (c *ControllerClient) Finish(ctx context.Context, jobID int64, claimToken string, success bool) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/agent/finish", map[string]any{
		"job_id": jobID, "claim_token": claimToken, "success": success,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("finish rejected: status %d", resp.StatusCode)
	}
	return nil
}

// Metrics attaches a metrics blob to a job.
func (c *ControllerClient) Metrics(ctx context.Context, jobID int64, claimToken string, metrics any) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/agent/metrics", map[string]any{
		"job_id": jobID, "claim_token": claimToken, "metrics": metrics,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metrics rejected: status %d", resp.StatusCode)
	}
	return nil
}

// SyncSchedule pushes a repo's declared [schedule] back to the
// controller. Failures here are warnings, not fatal to the job.
func (c *ControllerClient) SyncSchedule(ctx context.Context, req syncproto.ScheduleSyncRequest) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/agent/schedule", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("schedule sync rejected: status %d", resp.StatusCode)
	}
	return nil
}

// SyncTriggers pushes a repo's declared [triggers] back to the
// controller. Failures here are warnings, not fatal to the job.
func (c *ControllerClient) SyncTriggers(ctx context.Context, req syncproto.TriggerSyncRequest) error {
	resp, err := c.doRequest(ctx, http.MethodPost, "/agent/triggers", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("trigger sync rejected: status %d", resp.StatusCode)
	}
	return nil
}

// doRequest executes a JSON request against the controller with
// exponential-backoff retry on 429/5xx responses.
func (c *ControllerClient) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	const maxRetries = 5
	backoff := time.Second

	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("execute request: %w", err)
		}

		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		resp.Body.Close()
		if attempt == maxRetries {
			return nil, fmt.Errorf("request to %s failed after %d retries: status %d", path, maxRetries, resp.StatusCode)
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("request to %s failed after retries", path)
}
