package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// RawTimestamp accepts either a GitHub-style epoch-seconds integer or
// an RFC3339 string and normalizes to time.Time exactly once, at the
// unmarshal boundary, so the ambiguity never leaks past this package.
type RawTimestamp struct {
	time.Time
}

func (r *RawTimestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("raw_timestamp: parsing %q as RFC3339: %w", s, err)
		}
		r.Time = t
		return nil
	}
	epoch, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("raw_timestamp: parsing %q as epoch seconds: %w", string(data), err)
	}
	r.Time = time.Unix(epoch, 0).UTC()
	return nil
}

// pushPayload is the subset of GitHub's push event this ingest needs.
type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	Repository struct {
		Name          string `json:"name"`
		FullName      string `json:"full_name"`
		CloneURL      string `json:"clone_url"`
		SSHURL        string `json:"ssh_url"`
		HTMLURL       string `json:"html_url"`
		Private       bool   `json:"private"`
		DefaultBranch string `json:"default_branch"`
		Language      string `json:"language"`
		Description   string `json:"description"`
		ID            int64  `json:"id"`
		Owner         struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	HeadCommit struct {
		ID        string       `json:"id"`
		Message   string       `json:"message"`
		URL       string       `json:"url"`
		Timestamp RawTimestamp `json:"timestamp"`
		Author    struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"head_commit"`
	Commits []struct {
		ID       string `json:"id"`
		TreeID   string `json:"tree_id"`
		Distinct bool   `json:"distinct"`
		Author   struct {
			Name string `json:"name"`
		} `json:"author"`
		Committer struct {
			Name string `json:"name"`
		} `json:"committer"`
		Added    []string `json:"added"`
		Removed  []string `json:"removed"`
		Modified []string `json:"modified"`
	} `json:"commits"`
}

// pullRequestPayload is the subset of GitHub's pull_request event this
// ingest needs.
type pullRequestPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		URL    string `json:"html_url"`
		Draft  bool   `json:"draft"`
		User   struct {
			Login string `json:"login"`
		} `json:"user"`
		Head struct {
			SHA  string `json:"sha"`
			Repo struct {
				Name          string `json:"name"`
				FullName      string `json:"full_name"`
				CloneURL      string `json:"clone_url"`
				SSHURL        string `json:"ssh_url"`
				HTMLURL       string `json:"html_url"`
				Private       bool   `json:"private"`
				DefaultBranch string `json:"default_branch"`
				ID            int64  `json:"id"`
				Owner         struct {
					Login string `json:"login"`
				} `json:"owner"`
			} `json:"repo"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"base"`
	} `json:"pull_request"`
}

var buildablePRActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}
