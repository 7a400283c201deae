// Package deallinesdk is a minimal Go client for the Dealline HTTP API.
package deallinesdk

import (
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

// Client is a minimal Dealline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Deal mirrors the API deal model.
type Deal struct {
	ProjectID        string  `json:"projectId"`
	Name             string  `json:"name"`
	Customer         string  `json:"customer,omitempty"`
	Owner            string  `json:"owner,omitempty"`
	Stage            string  `json:"stage"`
	Amount           float64 `json:"amount"`
	Currency         string  `json:"currency,omitempty"`
	NextFollowupAt   string  `json:"nextFollowupAt,omitempty"`
	StageProbability float64 `json:"stageProbability"`
	ExpectedValue    float64 `json:"expectedValue"`
	IsStale          bool    `json:"isStale,omitempty"`
	QuoteCount       int     `json:"quoteCount"`
	LastNote         string  `json:"lastNote,omitempty"`
	UpdatedAt        string  `json:"updatedAt"`
}

// Task mirrors the API task model (partial).
type Task struct {
	ID              string `json:"id"`
	Area            string `json:"area"`
	Title           string `json:"title"`
	Owner           string `json:"owner,omitempty"`
	DueDate         string `json:"dueDate,omitempty"`
	Status          string `json:"status"`
	LinkedProjectID string `json:"linkedProjectId,omitempty"`
}

// ClassifyResult mirrors the classification outcome.
type ClassifyResult struct {
	OK       bool   `json:"ok"`
	Status   string `json:"status"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Deadline string `json:"deadline,omitempty"`
	Note     string `json:"note,omitempty"`
	EventID  string `json:"eventId,omitempty"`
	Deal     *Deal  `json:"project,omitempty"`
}

// DueFollowup is one due-for-outreach record.
type DueFollowup struct {
	ProjectID    string `json:"projectId"`
	Customer     string `json:"customer,omitempty"`
	Project      string `json:"project,omitempty"`
	Stage        string `json:"stage"`
	Question     string `json:"question"`
	Owner        string `json:"owner,omitempty"`
	OwnerTag     string `json:"ownerTag"`
	IsStaleAlert bool   `json:"isStaleAlert,omitempty"`
}

// SweepReport is the scheduler pass result.
type SweepReport struct {
	OK              bool          `json:"ok"`
	SweepID         string        `json:"sweepId"`
	UpdatedProjects int           `json:"updatedProjects"`
	DueFollowups    []DueFollowup `json:"dueFollowups"`
	GeneratedAt     string        `json:"generatedAt"`
}

// Event is one audit log entry (partial).
type Event struct {
	EventID  string         `json:"eventId"`
	TS       string         `json:"ts"`
	Source   string         `json:"source,omitempty"`
	Channel  string         `json:"channel,omitempty"`
	Type     string         `json:"type"`
	EntityID string         `json:"entityId,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDeal registers a deal.
func (c *Client) CreateDeal(ctx context.Context, d Deal) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, "v0/deals", d, &resp)
	return resp, err
}

// ListDeals returns every deal.
func (c *Client) ListDeals(ctx context.Context) ([]Deal, error) {
	var resp []Deal
	err := c.do(ctx, http.MethodGet, "v0/deals", nil, &resp)
	return resp, err
}

// GetDeal returns one deal.
func (c *Client) GetDeal(ctx context.Context, projectID string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodGet, "v0/deals/"+url.PathEscape(projectID), nil, &resp)
	return resp, err
}

// Transition moves a deal to a stage.
func (c *Client) Transition(ctx context.Context, projectID, stage, deadline, note string) (Deal, error) {
	body := map[string]any{"stage": stage}
	if deadline != "" {
		body["deadline"] = deadline
	}
	if note != "" {
		body["note"] = note
	}
	var resp Deal
	err := c.do(ctx, http.MethodPost, "v0/deals/"+url.PathEscape(projectID)+"/transition", body, &resp)
	return resp, err
}

// Classify advances a deal from chat text.
func (c *Client) Classify(ctx context.Context, projectID, text string) (ClassifyResult, error) {
	var resp ClassifyResult
	err := c.do(ctx, http.MethodPost, "v0/deals/"+url.PathEscape(projectID)+"/classify", map[string]any{"text": text}, &resp)
	return resp, err
}

// RunSweep runs the scheduler pass.
func (c *Client) RunSweep(ctx context.Context) (SweepReport, error) {
	var resp SweepReport
	err := c.do(ctx, http.MethodPost, "v0/sweep", nil, &resp)
	return resp, err
}

// DueFollowups returns today's follow-up queue without persisting.
func (c *Client) DueFollowups(ctx context.Context) ([]DueFollowup, error) {
	var resp []DueFollowup
	err := c.do(ctx, http.MethodGet, "v0/followups/due", nil, &resp)
	return resp, err
}

// Tasks lists derived tasks, optionally filtered by project.
func (c *Client) Tasks(ctx context.Context, projectID string) ([]Task, error) {
	endpoint := "v0/tasks"
	if projectID != "" {
		endpoint += "?project=" + url.QueryEscape(projectID)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events lists recent mutation events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
