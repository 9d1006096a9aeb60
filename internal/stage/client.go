package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rendis/sonda/pkg/schema"
)

// HTTPTaskService talks to the external task-execution API over HTTP.
type HTTPTaskService struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPTaskService creates a client for the task API at baseURL. The
// client carries no request timeout of its own; per-attempt deadlines come
// from the submitted context.
func NewHTTPTaskService(baseURL, apiKey string) *HTTPTaskService {
	return &HTTPTaskService{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

// Submit posts a task and decodes the result. Status mapping: 2xx is a
// result, 429 and 5xx are transient, other 4xx are permanent.
func (s *HTTPTaskService) Submit(ctx context.Context, in TaskInput) (*TaskOutput, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode task input: %s", err.Error()).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePermanent, "build task request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "task request failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "read task response: %s", err.Error()).WithCause(err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out TaskOutput
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTransient, "decode task response: %s", err.Error()).WithCause(err)
		}
		return &out, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, schema.NewErrorf(schema.ErrCodeTransient,
			"task service returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	default:
		return nil, schema.NewErrorf(schema.ErrCodePermanent,
			"task service rejected request with %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}

var _ TaskService = (*HTTPTaskService)(nil)
