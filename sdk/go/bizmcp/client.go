package bizmcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the BizMCP REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// TaskSubmission represents the payload required to create a new automation task.
type TaskSubmission struct {
	ID           string         `json:"id,omitempty"`
	BusinessID   string         `json:"business_id"`
	BusinessName string         `json:"business_name,omitempty"`
	BusinessType string         `json:"business_type,omitempty"`
	AgentType    string         `json:"agent_type"`
	TaskType     string         `json:"task_type"`
	Frequency    string         `json:"frequency"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	CallbackURL  string         `json:"callback_url,omitempty"`
}

// CreatedTask is the create response: the stored task together with the
// callback URL an agent should report results to. The server mints one
// when the submission does not carry its own.
type CreatedTask struct {
	Task
	CallbackURL string `json:"callback_url"`
}

// Task mirrors the server side automation task record.
type Task struct {
	ID            string         `json:"id"`
	BusinessID    string         `json:"business_id"`
	BusinessName  string         `json:"business_name"`
	AgentType     string         `json:"agent_type"`
	TaskType      string         `json:"task_type"`
	Frequency     string         `json:"frequency"`
	Status        string         `json:"status"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Results       map[string]any `json:"results,omitempty"`
	LastExecuted  *int64         `json:"last_executed,omitempty"`
	NextExecution *int64         `json:"next_execution,omitempty"`
	CreatedAt     int64          `json:"created_at"`
	UpdatedAt     int64          `json:"updated_at"`
}

// Goal mirrors the server side business goal record.
type Goal struct {
	ID           string  `json:"id"`
	BusinessID   string  `json:"business_id"`
	GoalType     string  `json:"goal_type"`
	TargetValue  float64 `json:"target_value"`
	CurrentValue float64 `json:"current_value"`
	Deadline     int64   `json:"deadline"`
	Status       string  `json:"status"`
	LastUpdated  int64   `json:"last_updated"`
	CreatedAt    int64   `json:"created_at"`
}

// DispatchLog mirrors one outbound agent dispatch attempt.
type DispatchLog struct {
	ID             string `json:"id"`
	TaskID         string `json:"task_id"`
	AgentID        string `json:"agent_id"`
	EndpointURL    string `json:"endpoint_url"`
	RequestPayload string `json:"request_payload"`
	Status         string `json:"status"`
	ResponseStatus int    `json:"response_status"`
	ResponseBody   string `json:"response_body,omitempty"`
	Error          string `json:"error,omitempty"`
	AttemptedAt    int64  `json:"attempted_at"`
	CompletedAt    *int64 `json:"completed_at,omitempty"`
}

// Business describes a business to onboard into automation.
type Business struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
}

// RegistrationResult is what the server provisions for a newly registered business.
type RegistrationResult struct {
	Business Business `json:"business"`
	Tasks    []*Task  `json:"tasks"`
	Goals    []*Goal  `json:"goals"`
}

// Report aggregates the automation state of one business.
type Report struct {
	BusinessID  string         `json:"business_id"`
	GeneratedAt int64          `json:"generated_at"`
	Tasks       []*Task        `json:"tasks"`
	Goals       []*Goal        `json:"goals"`
	TaskCounts  map[string]int `json:"task_counts"`
	GoalCounts  map[string]int `json:"goal_counts"`
}

// ListTasksOptions narrows a task listing call.
type ListTasksOptions struct {
	BusinessID string
	Status     string
	Limit      int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("bizmcp api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("bizmcp api error (%d): %s", e.StatusCode, e.Message)
}

// Option customises a Client.
type Option func(*Client)

// WithAPIKey attaches a static bearer token to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient substitutes the default http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient instantiates a client for the BizMCP API.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	client := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// SubmitTask creates a new automation task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (*CreatedTask, error) {
	var created CreatedTask
	if err := c.post(ctx, "/mcp/task", submission, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := c.get(ctx, "/mcp/task/"+url.PathEscape(taskID), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns tasks matching the given filters.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]*Task, error) {
	query := url.Values{}
	if opts.BusinessID != "" {
		query.Set("business_id", opts.BusinessID)
	}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	endpoint := "/mcp/task"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var tasks []*Task
	if err := c.get(ctx, endpoint, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListDispatches returns the dispatch audit trail of one task.
func (c *Client) ListDispatches(ctx context.Context, taskID string) ([]*DispatchLog, error) {
	var logs []*DispatchLog
	if err := c.get(ctx, "/mcp/task/"+url.PathEscape(taskID)+"/dispatches", &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// RegisterBusiness onboards a business and returns the provisioned tasks and goals.
func (c *Client) RegisterBusiness(ctx context.Context, business Business) (*RegistrationResult, error) {
	var result RegistrationResult
	if err := c.post(ctx, "/automation/register", business, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BusinessGoals lists the goals of one business.
func (c *Client) BusinessGoals(ctx context.Context, businessID string) ([]*Goal, error) {
	var goals []*Goal
	if err := c.get(ctx, "/automation/business/"+url.PathEscape(businessID)+"/goals", &goals); err != nil {
		return nil, err
	}
	return goals, nil
}

// CheckGoals forces a re-evaluation of the business goals and returns the
// refreshed records.
func (c *Client) CheckGoals(ctx context.Context, businessID string) ([]*Goal, error) {
	var goals []*Goal
	if err := c.post(ctx, "/automation/business/"+url.PathEscape(businessID)+"/check-goals", nil, &goals); err != nil {
		return nil, err
	}
	return goals, nil
}

// BusinessReport fetches the aggregated automation report of one business.
func (c *Client) BusinessReport(ctx context.Context, businessID string) (*Report, error) {
	var report Report
	if err := c.get(ctx, "/automation/business/"+url.PathEscape(businessID)+"/report", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// StartScheduler starts the server side task scheduler.
func (c *Client) StartScheduler(ctx context.Context) error {
	return c.post(ctx, "/automation/start", nil, nil)
}

// StopScheduler stops the server side task scheduler.
func (c *Client) StopScheduler(ctx context.Context) error {
	return c.post(ctx, "/automation/stop", nil, nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
