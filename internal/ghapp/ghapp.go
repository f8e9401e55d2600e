// Package ghapp mints short-lived VCS App JWTs and exchanges them for
// installation tokens, and posts check-run status updates. It follows
// the same doRequest-retry shape as internal/github/client.go,
// generalized from PR review polling to check-run create/complete.
package ghapp

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	jwt "github.com/dgrijalva/jwt-go/v4"
)

const maxCheckRunLogBytes = 60_000

// Client mints App JWTs, exchanges them for installation tokens, and
// reports check-run status to a single installation.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	appID          string
	installationID string
	privateKey     *rsa.PrivateKey
}

// ParsePrivateKeyPEM decodes a PEM-encoded RSA private key, the form
// VCS Apps hand out for their app's signing key.
func ParsePrivateKeyPEM(pem []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("ghapp: parse private key: %w", err)
	}
	return key, nil
}

func New(appID, installationID string, privateKey *rsa.PrivateKey) *Client {
	return &Client{
		httpClient:     &http.Client{},
		baseURL:        "https://api.github.com",
		appID:          appID,
		installationID: installationID,
		privateKey:     privateKey,
	}
}

// GenerateJWT produces an RS256 app-level token with iat backdated 60
// seconds (to absorb clock skew with the server) and a 10 minute
// lifetime, the GitHub App auth flow's required claim shape.
func (c *Client) GenerateJWT() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": c.appID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(c.privateKey)
}

type installationTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// GetInstallationToken exchanges an app JWT for an opaque, short-lived
// installation token scoped to the configured installation.
func (c *Client) GetInstallationToken(ctx context.Context) (string, error) {
	appJWT, err := c.GenerateJWT()
	if err != nil {
		return "", fmt.Errorf("ghapp: generate jwt: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", c.baseURL, c.installationID)
	resp, err := c.doRequest(ctx, http.MethodPost, url, appJWT, nil)
	if err != nil {
		return "", fmt.Errorf("ghapp: installation token: %w", err)
	}
	defer resp.Body.Close()

	var body installationTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("ghapp: decode installation token response: %w", err)
	}
	return body.Token, nil
}

// AuthenticatedCloneURL rewrites a plain https clone URL to embed an
// installation token as the x-access-token basic-auth user, the form
// git accepts for unattended HTTPS clones.
func AuthenticatedCloneURL(url, token string) string {
	const prefix = "https://"
	if len(url) < len(prefix) || url[:len(prefix)] != prefix {
		return url
	}
	return prefix + "x-access-token:" + token + "@" + url[len(prefix):]
}

type checkRunRequest struct {
	Name       string `json:"name"`
	HeadSHA    string `json:"head_sha"`
	Status     string `json:"status,omitempty"`
	Conclusion string `json:"conclusion,omitempty"`
	Output     *struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
		Text    string `json:"text,omitempty"`
	} `json:"output,omitempty"`
}

type checkRunResponse struct {
	ID int64 `json:"id"`
}

// CreateCheckRun opens an in-progress check run against headSHA.
func (c *Client) CreateCheckRun(ctx context.Context, owner, repo, name, headSHA string) (int64, error) {
	token, err := c.GetInstallationToken(ctx)
	if err != nil {
		return 0, err
	}
	url := fmt.Sprintf("%s/repos/%s/%s/check-runs", c.baseURL, owner, repo)
	body := checkRunRequest{Name: name, HeadSHA: headSHA, Status: "in_progress"}

	resp, err := c.doRequest(ctx, http.MethodPost, url, token, body)
	if err != nil {
		return 0, fmt.Errorf("ghapp: create check run: %w", err)
	}
	defer resp.Body.Close()

	var out checkRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("ghapp: decode check run response: %w", err)
	}
	return out.ID, nil
}

// CompleteCheckRun closes a check run with a conclusion and attaches
// the job's log, truncated to its last maxCheckRunLogBytes bytes.
func (c *Client) CompleteCheckRun(ctx context.Context, owner, repo string, checkRunID int64, conclusion, title, logText string) error {
	token, err := c.GetInstallationToken(ctx)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/repos/%s/%s/check-runs/%d", c.baseURL, owner, repo, checkRunID)

	req := checkRunRequest{Status: "completed", Conclusion: conclusion}
	req.Output = &struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
		Text    string `json:"text,omitempty"`
	}{Title: title, Summary: conclusion, Text: truncateLog(logText)}

	resp, err := c.doRequest(ctx, http.MethodPatch, url, token, req)
	if err != nil {
		return fmt.Errorf("ghapp: complete check run: %w", err)
	}
	resp.Body.Close()
	return nil
}

func truncateLog(s string) string {
	if len(s) <= maxCheckRunLogBytes {
		return s
	}
	return s[len(s)-maxCheckRunLogBytes:]
}

// doRequest executes an authenticated GitHub API request with
// exponential-backoff retry on rate limiting (403/429) and 5xx
// responses, honoring Retry-After when present.
func (c *Client) doRequest(ctx context.Context, method, url, bearer string, body any) (*http.Response, error) {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	const maxRetries = 5
	backoff := time.Second

	for attempt := 0; attempt <= maxRetries; attempt++ {
		// A fresh reader per attempt: a retry must resend the full body.
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set("Accept", "application/vnd.github+json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("execute request: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			if attempt == maxRetries {
				return nil, fmt.Errorf("rate limit exceeded after %d retries", maxRetries)
			}
			wait := backoff
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					wait = time.Duration(secs) * time.Second
				}
			}
			select {
			case <-time.After(wait):
				backoff *= 2
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return nil, fmt.Errorf("server error after %d retries: status %d", maxRetries, resp.StatusCode)
			}
			select {
			case <-time.After(backoff):
				backoff *= 2
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return nil, fmt.Errorf("request failed after %d retries", maxRetries)
}
