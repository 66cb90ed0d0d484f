package forgeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/coderelay/forgebot/pkg/taskkey"
)

// HTTP retry tuning, mirroring llmclient.HTTPProvider's jittered single-retry
// policy.
const (
	githubRequestTimeout  = 30 * time.Second
	githubRetryBackoffMin = 250 * time.Millisecond
	githubRetryBackoffMax = 750 * time.Millisecond
	githubMaxRetries      = 1
)

// GitHubClient is a minimal concrete implementation of Client against the
// GitHub REST v3 API. Only the operations the core actually calls are
// implemented.
type GitHubClient struct {
	owner, repo string
	baseURL     string
	token       string
	http        *http.Client
}

// NewGitHubClient constructs a client against owner/repo. baseURL defaults
// to https://api.github.com when empty (GitHub Enterprise deployments set
// it explicitly via config.ForgeConfig.APIURL).
func NewGitHubClient(owner, repo, token, baseURL string) *GitHubClient {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	return &GitHubClient{owner: owner, repo: repo, baseURL: baseURL, token: token, http: &http.Client{Timeout: githubRequestTimeout}}
}

var _ Client = (*GitHubClient)(nil)

type githubIssue struct {
	Number    int           `json:"number"`
	Title     string        `json:"title"`
	Body      string        `json:"body"`
	Labels    []githubLabel `json:"labels"`
	Assignees []githubUser  `json:"assignees"`
	User      githubUser    `json:"user"`
}

type githubLabel struct {
	Name string `json:"name"`
}

type githubUser struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

type githubComment struct {
	ID        int64      `json:"id"`
	Body      string     `json:"body"`
	User      githubUser `json:"user"`
	CreatedAt time.Time  `json:"created_at"`
}

func (c *GitHubClient) issuesURL(suffix string) string {
	return fmt.Sprintf("%s/repos/%s/%s/issues%s", c.baseURL, c.owner, c.repo, suffix)
}

// ListTasks returns open issues matching the query, used as a label filter
// on the search endpoint.
func (c *GitHubClient) ListTasks(ctx context.Context, query string) ([]TaskRef, error) {
	url := fmt.Sprintf("%s/search/issues?q=%s+repo:%s/%s+is:open", c.baseURL, query, c.owner, c.repo)
	var wire struct {
		Items []githubIssue `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, url, nil, &wire); err != nil {
		return nil, fmt.Errorf("forgeclient: list tasks: %w", err)
	}
	refs := make([]TaskRef, 0, len(wire.Items))
	for _, item := range wire.Items {
		key, err := taskkey.New(taskkey.PlatformGitHub, taskkey.KindIssue, c.owner, c.repo, item.Number)
		if err != nil {
			return nil, fmt.Errorf("forgeclient: mint key for #%d: %w", item.Number, err)
		}
		refs = append(refs, TaskRef{Key: key, Title: item.Title})
	}
	return refs, nil
}

// GetTask fetches the current issue state plus its comments.
func (c *GitHubClient) GetTask(ctx context.Context, key taskkey.Key) (TaskDetails, error) {
	var issue githubIssue
	if err := c.do(ctx, http.MethodGet, c.issuesURL("/"+strconv.Itoa(key.Number)), nil, &issue); err != nil {
		return TaskDetails{}, fmt.Errorf("forgeclient: get task: %w", err)
	}
	comments, err := c.ListComments(ctx, key)
	if err != nil {
		return TaskDetails{}, err
	}

	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.Name)
	}
	assignees := make([]string, 0, len(issue.Assignees))
	for _, a := range issue.Assignees {
		assignees = append(assignees, a.Login)
	}
	return TaskDetails{Title: issue.Title, Body: issue.Body, Labels: labels, Assignees: assignees, Creator: issue.User.Login, Comments: comments}, nil
}

// AddLabel adds one label to the issue's label set.
func (c *GitHubClient) AddLabel(ctx context.Context, key taskkey.Key, label string) error {
	payload := map[string][]string{"labels": {label}}
	return c.do(ctx, http.MethodPost, c.issuesURL(fmt.Sprintf("/%d/labels", key.Number)), payload, nil)
}

// RemoveLabel removes one label, tolerating 404 (label already absent).
func (c *GitHubClient) RemoveLabel(ctx context.Context, key taskkey.Key, label string) error {
	err := c.do(ctx, http.MethodDelete, c.issuesURL(fmt.Sprintf("/%d/labels/%s", key.Number, label)), nil, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

// SetLabels replaces the issue's entire label set.
func (c *GitHubClient) SetLabels(ctx context.Context, key taskkey.Key, labels []string) error {
	payload := map[string][]string{"labels": labels}
	return c.do(ctx, http.MethodPut, c.issuesURL(fmt.Sprintf("/%d/labels", key.Number)), payload, nil)
}

// ListComments returns normalized comments, flagging bot-authored ones.
func (c *GitHubClient) ListComments(ctx context.Context, key taskkey.Key) ([]Comment, error) {
	var wire []githubComment
	if err := c.do(ctx, http.MethodGet, c.issuesURL(fmt.Sprintf("/%d/comments", key.Number)), nil, &wire); err != nil {
		return nil, fmt.Errorf("forgeclient: list comments: %w", err)
	}
	out := make([]Comment, 0, len(wire))
	for _, cm := range wire {
		out = append(out, Comment{
			ID:        strconv.FormatInt(cm.ID, 10),
			Author:    cm.User.Login,
			Body:      cm.Body,
			CreatedAt: cm.CreatedAt,
			IsBot:     cm.User.Type == "Bot",
		})
	}
	return out, nil
}

// AddComment posts a new comment and returns its ID.
func (c *GitHubClient) AddComment(ctx context.Context, key taskkey.Key, body string) (string, error) {
	var created githubComment
	payload := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPost, c.issuesURL(fmt.Sprintf("/%d/comments", key.Number)), payload, &created); err != nil {
		return "", fmt.Errorf("forgeclient: add comment: %w", err)
	}
	return strconv.FormatInt(created.ID, 10), nil
}

// UpdateComment edits an existing comment in place.
func (c *GitHubClient) UpdateComment(ctx context.Context, key taskkey.Key, commentID, body string) error {
	url := fmt.Sprintf("%s/repos/%s/%s/issues/comments/%s", c.baseURL, c.owner, c.repo, commentID)
	payload := map[string]string{"body": body}
	return c.do(ctx, http.MethodPatch, url, payload, nil)
}

// GetAssignees returns the issue's current assignee logins.
func (c *GitHubClient) GetAssignees(ctx context.Context, key taskkey.Key) ([]string, error) {
	var issue githubIssue
	if err := c.do(ctx, http.MethodGet, c.issuesURL("/"+strconv.Itoa(key.Number)), nil, &issue); err != nil {
		return nil, fmt.Errorf("forgeclient: get assignees: %w", err)
	}
	out := make([]string, 0, len(issue.Assignees))
	for _, a := range issue.Assignees {
		out = append(out, a.Login)
	}
	return out, nil
}

// httpStatusError carries the response status for isNotFound/isRetryable
// classification.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("forgeclient: github api returned %d: %s", e.status, e.body)
}

func isNotFound(err error) bool {
	se, ok := err.(*httpStatusError)
	return ok && se.status == http.StatusNotFound
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// do executes one GitHub REST call with a single jittered retry on 5xx/429,
// mirroring llmclient.HTTPProvider's retry shield.
func (c *GitHubClient) do(ctx context.Context, method, url string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("forgeclient: marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= githubMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := githubRetryBackoffMin + time.Duration(rand.Int64N(int64(githubRetryBackoffMax-githubRetryBackoffMin)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.doOnce(ctx, method, url, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		se, ok := err.(*httpStatusError)
		if !ok || !isRetryableStatus(se.status) {
			return err
		}
	}
	return fmt.Errorf("forgeclient: exhausted retries: %w", lastErr)
}

func (c *GitHubClient) doOnce(ctx context.Context, method, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("forgeclient: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("forgeclient: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return &httpStatusError{status: resp.StatusCode, body: buf.String()}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
