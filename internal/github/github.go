// Package github talks to GitHub through the gh CLI: it fetches failed run
// logs and materializes approved fixes as pull requests.
package github

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// CmdRunner provides gh command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs gh commands via exec. A non-empty Token is passed as GH_TOKEN.
type ExecRunner struct {
	Token string
}

// Run implements CmdRunner.
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	if r.Token != "" {
		cmd.Env = append(os.Environ(), "GH_TOKEN="+r.Token)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client provides GitHub operations.
type Client struct {
	cmd         CmdRunner
	maxLogBytes int
}

// NewClient creates a GitHub client. maxLogBytes bounds fetched logs; zero
// means unbounded.
func NewClient(cmd CmdRunner, maxLogBytes int) *Client {
	return &Client{cmd: cmd, maxLogBytes: maxLogBytes}
}

// ApplyResult describes the change request opened for a fix.
type ApplyResult struct {
	PullRequest string `json:"pull_request,omitempty"`
	BranchName  string `json:"branch_name"`
}

func validateRepo(owner, repo string) error {
	if owner == "" || repo == "" {
		return fmt.Errorf("owner and repo are required")
	}
	if strings.HasPrefix(owner, "-") || strings.HasPrefix(repo, "-") || strings.ContainsAny(owner+repo, "/ ") {
		return fmt.Errorf("invalid repository %q/%q", owner, repo)
	}
	return nil
}

// FetchFailedLogs returns the log output of the failed jobs in a run. Long
// logs keep their tail, where the failure usually is.
func (c *Client) FetchFailedLogs(ctx context.Context, owner, repo string, runID int64) (string, error) {
	if err := validateRepo(owner, repo); err != nil {
		return "", err
	}
	out, err := c.cmd.Run(ctx, "run", "view", strconv.FormatInt(runID, 10), "--repo", owner+"/"+repo, "--log-failed")
	if err != nil {
		return "", fmt.Errorf("fetch logs for run %d: %w", runID, err)
	}
	if c.maxLogBytes > 0 && len(out) > c.maxLogBytes {
		out = strings.ToValidUTF8(out[len(out)-c.maxLogBytes:], "")
	}
	return out, nil
}

// FixBranch names the branch for a record's fix. The name is stable for a
// given fix so a retried apply reuses the same branch.
func FixBranch(recordID int64, fixText string) string {
	sum := blake2b.Sum256([]byte(fixText))
	return fmt.Sprintf("autofix/failure-%d-%s", recordID, hex.EncodeToString(sum[:4]))
}

func fixPath(recordID int64) string {
	return fmt.Sprintf(".autofix/failure-%d.md", recordID)
}

// ApplyFix commits the fix description to a new branch off the default
// branch and opens a pull request for it. Each step tolerates work left by
// an earlier attempt, so the call is safe to retry.
func (c *Client) ApplyFix(ctx context.Context, owner, repo, fixText string, recordID int64) (*ApplyResult, error) {
	if err := validateRepo(owner, repo); err != nil {
		return nil, err
	}
	if strings.TrimSpace(fixText) == "" {
		return nil, fmt.Errorf("fix text is empty")
	}
	slug := owner + "/" + repo
	branch := FixBranch(recordID, fixText)

	base, err := c.cmd.Run(ctx, "api", "repos/"+slug, "--jq", ".default_branch")
	if err != nil {
		return nil, fmt.Errorf("get default branch: %w", err)
	}
	sha, err := c.cmd.Run(ctx, "api", "repos/"+slug+"/git/ref/heads/"+base, "--jq", ".object.sha")
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", base, err)
	}

	if out, err := c.cmd.Run(ctx, "api", "-X", "POST", "repos/"+slug+"/git/refs",
		"-f", "ref=refs/heads/"+branch, "-f", "sha="+sha); err != nil && !strings.Contains(out, "Reference already exists") {
		return nil, fmt.Errorf("create branch %s: %w", branch, err)
	}

	if err := c.putFixFile(ctx, slug, branch, fixText, recordID); err != nil {
		return nil, err
	}

	url, err := c.findPR(ctx, slug, branch)
	if err != nil {
		return nil, err
	}
	if url != "" {
		return &ApplyResult{PullRequest: url, BranchName: branch}, nil
	}

	url, err = c.cmd.Run(ctx, "pr", "create", "--repo", slug,
		"--title", fmt.Sprintf("Automated fix for CI failure #%d", recordID),
		"--body", prBody(fixText, recordID),
		"--head", branch, "--base", base)
	if err != nil {
		return nil, fmt.Errorf("create PR: %w", err)
	}
	return &ApplyResult{PullRequest: url, BranchName: branch}, nil
}

func (c *Client) putFixFile(ctx context.Context, slug, branch, fixText string, recordID int64) error {
	path := fixPath(recordID)
	args := []string{"api", "-X", "PUT", "repos/" + slug + "/contents/" + path,
		"-f", fmt.Sprintf("message=Add automated fix for failure %d", recordID),
		"-f", "content=" + base64.StdEncoding.EncodeToString([]byte(fixText+"\n")),
		"-f", "branch=" + branch,
	}
	out, err := c.cmd.Run(ctx, args...)
	if err == nil {
		return nil
	}
	if !strings.Contains(out, "sha") {
		return fmt.Errorf("commit fix: %w", err)
	}

	// the file exists from an earlier attempt; update it in place
	existing, lookupErr := c.cmd.Run(ctx, "api", "repos/"+slug+"/contents/"+path+"?ref="+branch, "--jq", ".sha")
	if lookupErr != nil {
		return fmt.Errorf("commit fix: %w", err)
	}
	if _, err := c.cmd.Run(ctx, append(args, "-f", "sha="+existing)...); err != nil {
		return fmt.Errorf("commit fix: %w", err)
	}
	return nil
}

func (c *Client) findPR(ctx context.Context, slug, branch string) (string, error) {
	out, err := c.cmd.Run(ctx, "pr", "list", "--repo", slug, "--head", branch, "--json", "url", "--limit", "1")
	if err != nil {
		return "", fmt.Errorf("find PR by branch: %w", err)
	}
	var prs []struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return "", fmt.Errorf("parse PR list JSON: %w", err)
	}
	if len(prs) == 0 {
		return "", nil
	}
	return prs[0].URL, nil
}

func prBody(fixText string, recordID int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This pull request was opened after failure record %d was approved.\n\n", recordID)
	b.WriteString("## Suggested fix\n\n")
	b.WriteString(fixText)
	b.WriteString("\n")
	return b.String()
}
