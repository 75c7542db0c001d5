// Package buildclient implements interfaces.BuildClient against the remote
// visual-testing API described in spec.md §6 ("Build API"), following the
// same net/http request/response shape as internal/webclient's
// NetHTTPClient but adding the retry policy abema-antares/core/segment.go
// uses around its uploads: github.com/cenkalti/backoff/v4 with
// backoff.Permanent marking non-retryable failures.
package buildclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/percy-io/percy-core/internal/interfaces"
	"github.com/percy-io/percy-core/internal/metrics"
	"github.com/percy-io/percy-core/internal/model"
)

// Client is the net/http-backed BuildClient. It retries transient failures
// (network errors, 5xx) with exponential backoff and treats 4xx responses
// as permanent per spec.md §7 (APIError).
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     interfaces.Logger
	metrics    *metrics.Metrics
	maxRetries uint64
}

// New builds a Client. httpClient may be nil, in which case a client with
// the given timeout is constructed, mirroring NewNetHTTPClient's
// nil-httpClient fallback. m may be nil, in which case API call
// observations are skipped.
func New(baseURL, token string, timeout time.Duration, httpClient *http.Client, logger interfaces.Logger, m *metrics.Metrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
		logger:     logger.With(interfaces.Field{Key: "component", Value: "buildclient"}),
		metrics:    m,
		maxRetries: 5,
	}
}

type createBuildResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			BuildNumber int    `json:"build-number"`
			URL         string `json:"web-url"`
		} `json:"attributes"`
	} `json:"data"`
}

// CreateBuild implements interfaces.BuildClient.
func (c *Client) CreateBuild(ctx context.Context) (*interfaces.BuildInfo, error) {
	var out createBuildResponse
	if err := c.doWithRetry(ctx, "create_build", "POST", "/builds", map[string]interface{}{
		"data": map[string]interface{}{
			"type": "builds",
		},
	}, &out); err != nil {
		return nil, err
	}
	return &interfaces.BuildInfo{
		ID:     out.Data.ID,
		Number: out.Data.Attributes.BuildNumber,
		URL:    out.Data.Attributes.URL,
	}, nil
}

type createSnapshotResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// CreateSnapshot implements interfaces.BuildClient, encoding resources as
// {id: sha, attributes: {resource-url, mimetype, is-root}} per spec.md §6.
func (c *Client) CreateSnapshot(ctx context.Context, buildID, name string, widths []int, resources []interfaces.ResourceUpload) (string, error) {
	included := make([]map[string]interface{}, 0, len(resources))
	relationships := make([]map[string]interface{}, 0, len(resources))
	for _, r := range resources {
		included = append(included, map[string]interface{}{
			"type": "resources",
			"id":   r.Sha,
			"attributes": map[string]interface{}{
				"resource-url": r.URL,
				"mimetype":     r.Mimetype,
				"is-root":      r.IsRoot,
			},
		})
		relationships = append(relationships, map[string]interface{}{"type": "resources", "id": r.Sha})
	}

	body := map[string]interface{}{
		"data": map[string]interface{}{
			"type": "snapshots",
			"attributes": map[string]interface{}{
				"name":   name,
				"widths": widths,
			},
			"relationships": map[string]interface{}{
				"resources": map[string]interface{}{"data": relationships},
			},
		},
		"included": included,
	}

	var out createSnapshotResponse
	if err := c.doWithRetry(ctx, "create_snapshot", "POST", fmt.Sprintf("/builds/%s/snapshots", buildID), body, &out); err != nil {
		return "", err
	}

	if err := c.uploadResourceBodies(ctx, resources); err != nil {
		return "", err
	}

	return out.Data.ID, nil
}

// uploadResourceBodies uploads resource content by sha, separately from the
// snapshot's metadata payload, per spec.md §6 ("bodies are uploaded by sha
// separately").
func (c *Client) uploadResourceBodies(ctx context.Context, resources []interfaces.ResourceUpload) error {
	for _, r := range resources {
		path := fmt.Sprintf("/resources/%s", r.Sha)
		if err := c.doRawWithRetry(ctx, "upload_resource", "PUT", path, r.Content, r.Mimetype); err != nil {
			return err
		}
	}
	return nil
}

// FinalizeBuild implements interfaces.BuildClient.
func (c *Client) FinalizeBuild(ctx context.Context, buildID string) error {
	return c.doWithRetry(ctx, "finalize_build", "POST", fmt.Sprintf("/builds/%s/finalize", buildID), nil, nil)
}

// doWithRetry and doRawWithRetry both observe the call's full duration
// (across every retry attempt) and outcome against operation, matching
// V4T54L-go-crawler's per-call-not-per-attempt metrics granularity.

func (c *Client) doWithRetry(ctx context.Context, operation, method, path string, body interface{}, out interface{}) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("buildclient: encode request: %w", err)
		}
		payload = encoded
	}

	start := time.Now()
	err := c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Token token="+c.token)
		req.Header.Set("Content-Type", "application/vnd.api+json")

		return c.execute(req, out)
	})
	c.observe(operation, err, start)
	return err
}

func (c *Client) doRawWithRetry(ctx context.Context, operation, method, path string, content []byte, mimetype string) error {
	start := time.Now()
	err := c.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(content))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Token token="+c.token)
		if mimetype != "" {
			req.Header.Set("Content-Type", mimetype)
		}
		return c.execute(req, nil)
	})
	c.observe(operation, err, start)
	return err
}

func (c *Client) observe(operation string, err error, start time.Time) {
	if c.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.metrics.ObserveAPICall(operation, outcome, time.Since(start))
}

// execute performs a single attempt and classifies the outcome: network
// errors and 5xx are retryable, 4xx is wrapped in backoff.Permanent so
// backoff.RetryNotify stops immediately (spec.md §7, APIError).
func (c *Client) execute(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &model.APIError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &model.APIError{StatusCode: resp.StatusCode, Retryable: true, Err: err}
	}

	if resp.StatusCode >= 500 {
		return &model.APIError{StatusCode: resp.StatusCode, Retryable: true, Err: fmt.Errorf("%s", string(body))}
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(&model.APIError{StatusCode: resp.StatusCode, Retryable: false, Err: fmt.Errorf("%s", string(body))})
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("buildclient: decode response: %w", err))
		}
	}
	return nil
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries)
	return backoff.RetryNotify(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return op()
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		c.logger.Warn("api call failed, retrying",
			interfaces.Field{Key: "error", Value: err.Error()},
			interfaces.Field{Key: "wait", Value: wait.String()})
	})
}
