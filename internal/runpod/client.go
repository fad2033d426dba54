// Package runpod wraps the remote GPU worker's HTTP API: job submission on
// the sync or async endpoint, and status polling.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nursefilter/internal/domain"
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	EndpointID string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client talks to one RunPod serverless endpoint. It does not retry; retry
// policy lives in the orchestrator's poll loop.
type Client struct {
	httpClient *http.Client
	baseURL    string
	endpointID string
	token      string
}

// NewClient constructs a Client for the configured endpoint.
func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://api.runpod.ai/v2"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: client,
		baseURL:    base,
		endpointID: strings.TrimSpace(opts.EndpointID),
		token:      strings.TrimSpace(opts.APIKey),
	}
}

// SubmitInput is one job submission.
type SubmitInput struct {
	WorkflowName string
	// Image is the input photo as a base64 data URI.
	Image string
	// WebhookURL is attached for async submissions so the worker can notify
	// completion out of band. Ignored when Sync is set.
	WebhookURL string
	// Sync selects the blocking submission endpoint, which holds the request
	// open until the job resolves.
	Sync bool
}

type submitRequest struct {
	Input   submitInputBody `json:"input"`
	Webhook string          `json:"webhook,omitempty"`
}

type submitInputBody struct {
	WorkflowName string        `json:"workflow_name"`
	Images       []submitImage `json:"images"`
}

type submitImage struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Submit sends the job to the worker. Async submissions return as soon as the
// worker acknowledges the job id; sync submissions return the terminal
// payload inline.
func (c *Client) Submit(ctx context.Context, in SubmitInput) (*StatusPayload, error) {
	if c.token == "" {
		return nil, fmt.Errorf("%w: api key is missing", domain.ErrRemoteSubmission)
	}
	if in.WorkflowName == "" || in.Image == "" {
		return nil, fmt.Errorf("%w: workflow name and image are required", domain.ErrRemoteSubmission)
	}

	payload := submitRequest{
		Input: submitInputBody{
			WorkflowName: in.WorkflowName,
			Images:       []submitImage{{Name: "uploaded_image.jpg", Image: in.Image}},
		},
	}
	if !in.Sync && in.WebhookURL != "" {
		payload.Webhook = in.WebhookURL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", domain.ErrRemoteSubmission, err)
	}

	// Sync and async submissions are different endpoints on the remote side,
	// not a flag.
	path := "run"
	if in.Sync {
		path = "runsync"
	}
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, c.endpointID, path)

	out, err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteSubmission, err)
	}
	return out, nil
}

// Status fetches the live state of a previously submitted job.
func (c *Client) Status(ctx context.Context, jobID string) (*StatusPayload, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: job id is required", domain.ErrRemoteStatus)
	}
	endpoint := fmt.Sprintf("%s/%s/status/%s", c.baseURL, c.endpointID, jobID)
	out, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteStatus, err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader) (*StatusPayload, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out StatusPayload
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("http %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("decode response: %v", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if out.Error != "" {
			return nil, errors.New(out.Error)
		}
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	return &out, nil
}
