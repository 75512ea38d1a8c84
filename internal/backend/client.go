// Package backend is the HTTP client for the audit backend's REST and
// streaming endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/gosuda/auditwatch/internal/domain"
)

const (
	MaxEventLimit     = 1000
	DefaultEventLimit = 500
)

type Config struct {
	BaseURL    string
	JWTSecret  string
	JWTSubject string
	JWTTTL     time.Duration
	// Timeout bounds every request except the long-lived stream.
	Timeout time.Duration
	RPS     float64
	Burst   int
	// HTTPClient replaces the default transport stack when set.
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.JWTSecret != "" {
		base := hc.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		src := oauth2.ReuseTokenSourceWithExpiry(nil, NewJWTSource(cfg.JWTSecret, cfg.JWTSubject, cfg.JWTTTL), time.Minute)
		hc = &http.Client{Transport: &oauth2.Transport{Source: src, Base: base}}
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  hc,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return domain.ErrNotFound
	}
	return domain.ErrUnexpectedStatus
}

func decodeHTTPError(status int, body []byte) error {
	msg := ""
	if gjson.ValidBytes(body) {
		for _, key := range []string{"detail", "error", "message"} {
			if v := gjson.GetBytes(body, key); v.Exists() && v.Type != gjson.Null {
				msg = v.String()
				break
			}
		}
	}
	return &StatusError{Code: status, Message: msg}
}

// TaskStream returns a stream opener bound to one task.
func (c *Client) TaskStream(taskID string) *TaskStream {
	return &TaskStream{client: c, taskID: taskID}
}

type TaskStream struct {
	client *Client
	taskID string
}

// OpenStream issues the streaming GET. The caller owns the returned body.
func (s *TaskStream) OpenStream(ctx context.Context, afterSequence uint64) (io.ReadCloser, error) {
	c := s.client
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("backend.TaskStream.OpenStream: %w", err)
	}

	q := url.Values{}
	if afterSequence > 0 {
		q.Set("after_sequence", strconv.FormatUint(afterSequence, 10))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(auditPath(s.taskID, "stream"), q), nil)
	if err != nil {
		return nil, fmt.Errorf("backend.TaskStream.OpenStream: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend.TaskStream.OpenStream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("backend.TaskStream.OpenStream: %w", decodeHTTPError(resp.StatusCode, body))
	}
	return resp.Body, nil
}

type EventQuery struct {
	AfterSequence uint64
	Limit         int
	EventTypes    []string
}

// Events fetches persisted events. The limit is clamped to [1, MaxEventLimit].
func (c *Client) Events(ctx context.Context, taskID string, q EventQuery) ([]domain.RemoteEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	limit = min(max(limit, 1), MaxEventLimit)

	params := url.Values{}
	params.Set("after_sequence", strconv.FormatUint(q.AfterSequence, 10))
	params.Set("limit", strconv.Itoa(limit))
	if len(q.EventTypes) > 0 {
		params.Set("event_types", strings.Join(q.EventTypes, ","))
	}

	body, err := c.get(ctx, auditPath(taskID, "events"), params)
	if err != nil {
		return nil, fmt.Errorf("backend.Client.Events: %w", err)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("backend.Client.Events: %w", domain.ErrMalformedFrame)
	}
	root := gjson.ParseBytes(body)
	rows := root.Get("events")
	if root.IsArray() {
		rows = root
	}

	var events []domain.RemoteEvent
	for _, row := range rows.Array() {
		ev, decErr := domain.DecodeRemoteEvent([]byte(row.Raw), "")
		if decErr != nil {
			return nil, fmt.Errorf("backend.Client.Events: %w", decErr)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Status fetches the authoritative task snapshot.
func (c *Client) Status(ctx context.Context, taskID string) (domain.TaskSnapshot, error) {
	body, err := c.get(ctx, auditPath(taskID, "status"), nil)
	if err != nil {
		return domain.TaskSnapshot{}, fmt.Errorf("backend.Client.Status: %w", err)
	}

	root := gjson.ParseBytes(body)
	snap := domain.TaskSnapshot{
		ID:         root.Get("audit_id").String(),
		Status:     domain.ParseTaskStatus(root.Get("status").String()),
		Percentage: root.Get("progress.percentage").Float(),
		Phase:      root.Get("progress.current_stage").String(),
		Stats: domain.TaskStats{
			FilesScanned:            int(root.Get("stats.files_scanned").Int()),
			FindingsDetected:        int(root.Get("stats.findings_detected").Int()),
			VerifiedVulnerabilities: int(root.Get("stats.verified_vulnerabilities").Int()),
		},
		UpdatedAt: time.Now().UTC(),
	}
	if snap.ID == "" {
		snap.ID = taskID
	}
	if agents := root.Get("agent_status"); agents.IsObject() {
		snap.AgentStatus = make(map[string]string)
		agents.ForEach(func(k, v gjson.Result) bool {
			snap.AgentStatus[k.String()] = v.String()
			return true
		})
	}
	return snap, nil
}

// Findings fetches the vulnerabilities recorded in the task result.
func (c *Client) Findings(ctx context.Context, taskID string) ([]domain.Finding, error) {
	body, err := c.get(ctx, auditPath(taskID, "result"), nil)
	if err != nil {
		return nil, fmt.Errorf("backend.Client.Findings: %w", err)
	}

	var findings []domain.Finding
	for _, row := range gjson.GetBytes(body, "vulnerabilities").Array() {
		findings = append(findings, decodeFinding(row))
	}
	return findings, nil
}

func decodeFinding(r gjson.Result) domain.Finding {
	f := domain.Finding{
		ID:                r.Get("id").String(),
		Title:             r.Get("title").String(),
		Severity:          domain.Severity(strings.ToLower(r.Get("severity").String())),
		VulnerabilityType: r.Get("vulnerability_type").String(),
		Description:       r.Get("description").String(),
		FilePath:          r.Get("file_path").String(),
		LineNumber:        int(r.Get("line_number").Int()),
		CodeSnippet:       r.Get("code_snippet").String(),
		Remediation:       r.Get("remediation").String(),
		Confidence:        r.Get("confidence").Float(),
		Verified:          r.Get("verified").Bool() || r.Get("is_verified").Bool(),
	}
	if f.Title == "" {
		f.Title = f.VulnerabilityType
	}
	return f
}

// AgentTree fetches the agent hierarchy. The backend answers with either a
// single root node, a list of roots, or an object wrapping one of those.
func (c *Client) AgentTree(ctx context.Context, rootID string) ([]domain.AgentNode, error) {
	var params url.Values
	if rootID != "" {
		params = url.Values{"root_id": {rootID}}
	}
	body, err := c.get(ctx, "/api/agents/tree", params)
	if err != nil {
		return nil, fmt.Errorf("backend.Client.AgentTree: %w", err)
	}

	root := gjson.ParseBytes(body)
	for _, key := range []string{"roots", "tree", "nodes"} {
		if v := root.Get(key); v.Exists() {
			root = v
			break
		}
	}

	var nodes []domain.AgentNode
	switch {
	case root.IsArray():
		for _, n := range root.Array() {
			nodes = append(nodes, decodeAgent(n, ""))
		}
	case root.IsObject() && (root.Get("agent_id").Exists() || root.Get("node_id").Exists() || root.Get("id").Exists()):
		nodes = append(nodes, decodeAgent(root, ""))
	}
	return nodes, nil
}

func decodeAgent(r gjson.Result, parent string) domain.AgentNode {
	id := r.Get("agent_id").String()
	if id == "" {
		id = r.Get("node_id").String()
	}
	if id == "" {
		id = r.Get("id").String()
	}
	n := domain.AgentNode{
		ID:       id,
		Name:     r.Get("agent_name").String(),
		Type:     r.Get("agent_type").String(),
		Task:     r.Get("task").String(),
		ParentID: r.Get("parent_id").String(),
		Status:   r.Get("status").String(),
	}
	if n.Name == "" {
		n.Name = r.Get("name").String()
	}
	if n.ParentID == "" {
		n.ParentID = parent
	}
	for _, child := range r.Get("children").Array() {
		n.Children = append(n.Children, decodeAgent(child, id))
	}
	return n
}

type EventStats struct {
	LatestSequence uint64         `json:"latest_sequence"`
	TotalEvents    int            `json:"total_events"`
	ByType         map[string]int `json:"by_type,omitempty"`
}

func (c *Client) EventStats(ctx context.Context, taskID string) (EventStats, error) {
	body, err := c.get(ctx, auditPath(taskID, "events/stats"), nil)
	if err != nil {
		return EventStats{}, fmt.Errorf("backend.Client.EventStats: %w", err)
	}

	root := gjson.ParseBytes(body)
	stats := EventStats{
		LatestSequence: root.Get("latest_sequence").Uint(),
		TotalEvents:    int(root.Get("statistics.total_events").Int()),
	}
	if byType := root.Get("statistics.by_type"); byType.IsObject() {
		stats.ByType = make(map[string]int)
		byType.ForEach(func(k, v gjson.Result) bool {
			stats.ByType[k.String()] = int(v.Int())
			return true
		})
	}
	return stats, nil
}

type StartRequest struct {
	ProjectID   string         `json:"project_id"`
	AuditType   string         `json:"audit_type,omitempty"`
	TargetFiles []string       `json:"target_files,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

type StartResponse struct {
	AuditID       string `json:"audit_id"`
	Status        string `json:"status"`
	EstimatedTime int    `json:"estimated_time,omitempty"`
}

func (c *Client) StartAudit(ctx context.Context, req StartRequest) (StartResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return StartResponse{}, fmt.Errorf("backend.Client.StartAudit: %w", err)
	}
	body, err := c.post(ctx, "/api/audit/start", payload)
	if err != nil {
		return StartResponse{}, fmt.Errorf("backend.Client.StartAudit: %w", err)
	}
	var res StartResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return StartResponse{}, fmt.Errorf("backend.Client.StartAudit: %w", err)
	}
	return res, nil
}

func (c *Client) Pause(ctx context.Context, taskID string) error {
	if _, err := c.post(ctx, auditPath(taskID, "pause"), nil); err != nil {
		return fmt.Errorf("backend.Client.Pause: %w", err)
	}
	return nil
}

func (c *Client) Cancel(ctx context.Context, taskID string) error {
	if _, err := c.post(ctx, auditPath(taskID, "cancel"), nil); err != nil {
		return fmt.Errorf("backend.Client.Cancel: %w", err)
	}
	return nil
}

func auditPath(taskID, suffix string) string {
	return "/api/audit/" + url.PathEscape(taskID) + "/" + suffix
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, c.endpoint(path, q), nil)
}

func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, c.endpoint(path, nil), payload)
}

func (c *Client) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeHTTPError(resp.StatusCode, body)
	}
	return body, nil
}

// IsNotFound reports whether err came from a 404 response.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
