// Package github implements open_pr's upstream half: pushing an
// attempt's branch and opening a pull request against GitHub, grounded
// on the Auth Gate's oauth.GithubClient REST-call shape and
// internal/coding's askpass-script credential injection.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/namastexlabs/automagik-forge/internal/attempt"
	"github.com/namastexlabs/automagik-forge/internal/coding"
)

// Client pushes branches and opens pull requests on behalf of the
// attempting user's decrypted GitHub token. It implements
// attempt.PRClient.
type Client struct {
	http *http.Client
}

func NewClient() *Client {
	return &Client{http: &http.Client{Timeout: 30 * time.Second}}
}

// OpenPullRequest pushes req.Head — a local branch in req.RepoPath's
// object database, shared with the attempt's worktree — to origin using
// req.Token, then opens a PR from Head into Base.
func (c *Client) OpenPullRequest(ctx context.Context, req attempt.OpenPRRequest) (string, error) {
	owner, repo, err := remoteOwnerRepo(ctx, req.RepoPath)
	if err != nil {
		return "", fmt.Errorf("resolve origin remote: %w", err)
	}

	if err := c.push(ctx, req.RepoPath, req.Token, req.Head); err != nil {
		return "", fmt.Errorf("push branch: %w", err)
	}

	prURL, err := c.createPR(ctx, owner, repo, req.Token, req.Head, req.Base, req.Title, req.Body)
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	return prURL, nil
}

func (c *Client) push(ctx context.Context, repoPath, token, branch string) error {
	creds := coding.NewGitCredentials(token, "")
	scriptPath, cleanup, err := creds.WriteAskpassScript()
	if err != nil {
		return fmt.Errorf("create askpass script: %w", err)
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx, "git", "push", "-u", "origin", branch+":"+branch)
	cmd.Dir = repoPath
	cmd.Env = append(cmd.Environ(), "GIT_ASKPASS="+scriptPath, "GIT_TERMINAL_PROMPT=0")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git push %s: %s", branch, stderr.String())
	}
	return nil
}

type createPRRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body,omitempty"`
}

type createPRResponse struct {
	HTMLURL string `json:"html_url"`
}

func (c *Client) createPR(ctx context.Context, owner, repo, token, head, base, title, body string) (string, error) {
	payload, err := json.Marshal(createPRRequest{Title: title, Head: head, Base: base, Body: body})
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("https://api.github.com/repos/%s/%s/pulls", owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("github returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out createPRResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parse create PR response: %w", err)
	}
	return out.HTMLURL, nil
}

// remoteOwnerRepo parses the "owner/repo" GitHub coordinates out of the
// origin remote configured in repoPath.
func remoteOwnerRepo(ctx context.Context, repoPath string) (owner, repo string, err error) {
	cmd := exec.CommandContext(ctx, "git", "remote", "get-url", "origin")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return "", "", fmt.Errorf("git remote get-url origin: %w", err)
	}

	remote := strings.TrimSpace(string(out))
	remote = strings.TrimSuffix(remote, ".git")

	if strings.HasPrefix(remote, "git@") {
		parts := strings.SplitN(remote, ":", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("unrecognized SSH remote %q", remote)
		}
		remote = parts[1]
	} else {
		u, err := url.Parse(remote)
		if err != nil {
			return "", "", fmt.Errorf("parse remote url %q: %w", remote, err)
		}
		remote = strings.TrimPrefix(u.Path, "/")
	}

	segments := strings.Split(remote, "/")
	if len(segments) != 2 {
		return "", "", fmt.Errorf("unrecognized owner/repo in remote %q", remote)
	}
	return segments[0], segments[1], nil
}
