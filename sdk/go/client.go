package icpilotsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal icpilot HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Stage is the progress record of one pipeline stage (partial).
type Stage struct {
	StageID        string `json:"stage_id"`
	StageName      string `json:"stage_name"`
	StageOrder     int    `json:"stage_order"`
	Status         string `json:"status"`
	DurationMS     *int64 `json:"duration_ms,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	RepairAttempts int    `json:"repair_attempts"`
}

// Candidate is the progress record of one portfolio candidate (partial).
type Candidate struct {
	CandidateID      string             `json:"candidate_id"`
	State            string             `json:"state"`
	CompliancePassed bool               `json:"compliance_passed"`
	RedTeamPassed    bool               `json:"redteam_passed"`
	RepairAttempts   int                `json:"repair_attempts"`
	IsSelected       bool               `json:"is_selected"`
	RejectionReason  string             `json:"rejection_reason,omitempty"`
	Scores           map[string]float64 `json:"scores,omitempty"`
}

// Run represents the API run model (partial).
type Run struct {
	RunID             string         `json:"run_id"`
	MandateID         string         `json:"mandate_id"`
	Seed              int64          `json:"seed"`
	Status            string         `json:"status"`
	CurrentStage      string         `json:"current_stage,omitempty"`
	ProgressPct       float64        `json:"progress_pct"`
	SelectedCandidate string         `json:"selected_candidate,omitempty"`
	ArtifactsIndex    map[string]int `json:"artifacts_index"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	ErrorStage        string         `json:"error_stage,omitempty"`
	RequestedBy       string         `json:"requested_by,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Stages            []Stage        `json:"stages"`
	Candidates        []Candidate    `json:"candidates"`
}

// Terminal reports whether the run has finished.
func (r Run) Terminal() bool {
	switch r.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// Event represents one workflow event.
type Event struct {
	EventID     string         `json:"event_id"`
	RunID       string         `json:"run_id"`
	Sequence    int64          `json:"sequence"`
	TS          time.Time      `json:"ts"`
	Level       string         `json:"level"`
	Kind        string         `json:"kind"`
	StageID     string         `json:"stage_id,omitempty"`
	CandidateID string         `json:"candidate_id,omitempty"`
	Message     string         `json:"message"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Artifact is one stored artifact version. Data is the raw artifact JSON.
type Artifact struct {
	RunID    string          `json:"run_id"`
	Type     string          `json:"type"`
	Version  int             `json:"version"`
	Hash     string          `json:"artifact_hash"`
	Location string          `json:"location"`
	Data     json.RawMessage `json:"data"`
}

// CreateRunRequest starts a run. A nil Seed takes the server default.
type CreateRunRequest struct {
	MandateID   string         `json:"mandate_id"`
	Seed        *int64         `json:"seed,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	RequestedBy string         `json:"requested_by,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateRun creates a run and returns its id. Execution continues in the
// background on the server.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (string, error) {
	var resp struct {
		RunID string `json:"run_id"`
	}
	err := c.do(ctx, http.MethodPost, "runs", req, &resp)
	return resp.RunID, err
}

// GetRun fetches a run with its stages and candidates.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// ListRuns returns runs, newest first. Empty filters are ignored.
func (c *Client) ListRuns(ctx context.Context, status, mandateID string, limit, offset int) ([]Run, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if mandateID != "" {
		q.Set("mandate_id", mandateID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	endpoint := "runs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// WaitRun polls until the run is terminal or ctx is done.
func (c *Client) WaitRun(ctx context.Context, runID string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return run, err
		}
		if run.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// EventsPage returns run events after cursor, a sequence number.
func (c *Client) EventsPage(ctx context.Context, runID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := fmt.Sprintf("runs/%s/events", url.PathEscape(runID))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stream follows the run's event stream from after sequence since, calling
// fn for every workflow event. It returns nil once the server closes the
// stream after the run's terminal event.
func (c *Client) Stream(ctx context.Context, runID string, since int64, fn func(Event) error) error {
	endpoint := c.url(fmt.Sprintf("runs/%s/events/stream?since=%d", url.PathEscape(runID), since))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	// the stream outlives the request timeout
	resp, err := (&http.Client{Transport: c.httpClient().Transport}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var name string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch name {
			case "workflow_event":
				var evt Event
				if err := json.Unmarshal([]byte(data), &evt); err != nil {
					return err
				}
				if err := fn(evt); err != nil {
					return err
				}
			case "error":
				return &APIError{StatusCode: http.StatusOK, Body: data}
			}
		case line == "":
			name = ""
		}
	}
	return scanner.Err()
}

// Artifact fetches one artifact version; version 0 selects the latest.
func (c *Client) Artifact(ctx context.Context, runID, artifactType string, version int) (Artifact, error) {
	endpoint := fmt.Sprintf("runs/%s/artifacts/%s", url.PathEscape(runID), url.PathEscape(artifactType))
	if version > 0 {
		endpoint = fmt.Sprintf("%s?version=%d", endpoint, version)
	}
	var resp Artifact
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Audit returns the raw audit bundle of a run.
func (c *Client) Audit(ctx context.Context, runID string) (json.RawMessage, error) {
	var resp json.RawMessage
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("runs/%s/audit", url.PathEscape(runID)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) authorize(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
