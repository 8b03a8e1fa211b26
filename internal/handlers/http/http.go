package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"recurflow/internal/domain"
)

const defaultTimeout = 30 * time.Second

// HTTP posts the parameter values of a task as JSON.
type HTTP struct {
	Client *http.Client
}

func (h HTTP) Handle(ctx context.Context, def domain.TaskDefinition) error {
	if def.URL == "" {
		return errors.New("URL is required")
	}
	method := def.Method
	if method == "" {
		method = http.MethodPost
	}

	client := h.Client
	if client == nil {
		timeout := def.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	body, err := json.Marshal(def.Values())
	if err != nil {
		return errors.Wrap(err, "encode parameters")
	}

	req, err := http.NewRequestWithContext(ctx, method, def.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range def.Headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "HTTP request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return errors.Wrap(err, "failed to read response body")
	}
	if resp.StatusCode >= 400 {
		return errors.Newf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
