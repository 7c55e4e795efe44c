// Package executor calls the external trial provisioner over HTTP.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/trial-bundler/internal/orchestrator/domain"
)

const maxResponseBody = 64 << 10

// Config holds executor configuration
type Config struct {
	Logger    *slog.Logger
	Endpoint  string
	AuthToken string
	Timeout   time.Duration
	Client    *http.Client
}

// attemptRequest is the body posted to the provisioner
type attemptRequest struct {
	Service      string   `json:"service"`
	Priority     string   `json:"priority"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// attemptResponse is what the provisioner answers. A 2xx answer may still
// report a failed attempt through Status.
type attemptResponse struct {
	Status    string `json:"status"`
	Retryable bool   `json:"retryable"`
	Error     string `json:"error"`
}

// HTTPExecutor implements scheduler.Executor against a provisioning service
type HTTPExecutor struct {
	logger    *slog.Logger
	endpoint  string
	authToken string
	client    *http.Client
}

// New creates a new HTTP executor
func New(cfg *Config) (*HTTPExecutor, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("executor endpoint is required")
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPExecutor{
		logger:    logger,
		endpoint:  cfg.Endpoint,
		authToken: cfg.AuthToken,
		client:    client,
	}, nil
}

// Attempt posts one provisioning attempt and classifies the answer:
// 2xx succeeds unless the body says otherwise, 408, 429 and 5xx are
// retryable, any other status is terminal.
func (e *HTTPExecutor) Attempt(ctx context.Context, svc domain.ServiceDescriptor) domain.Outcome {
	body, err := json.Marshal(attemptRequest{
		Service:      svc.Name,
		Priority:     string(svc.Priority),
		Capabilities: svc.Capabilities,
	})
	if err != nil {
		return domain.Terminal(domain.NewTerminalError(fmt.Errorf("failed to marshal attempt: %w", err)))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Terminal(domain.NewTerminalError(fmt.Errorf("failed to build request: %w", err)))
	}
	req.Header.Set("Content-Type", "application/json")
	if e.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.authToken)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("Provisioner request failed",
			slog.String("service", svc.Name),
			slog.String("error", err.Error()),
		)
		return domain.Retryable(domain.NewRetryableError(fmt.Errorf("provisioner request failed: %w", err)))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return domain.Retryable(domain.NewRetryableError(fmt.Errorf("failed to read provisioner response: %w", err)))
	}

	var answer attemptResponse
	if len(raw) > 0 {
		// non-JSON bodies are kept as the error text
		if err := json.Unmarshal(raw, &answer); err != nil {
			answer.Error = string(raw)
		}
	}

	e.logger.Debug("Provisioner answered",
		slog.String("service", svc.Name),
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	return classify(resp.StatusCode, answer)
}

func classify(code int, answer attemptResponse) domain.Outcome {
	cause := errors.New(answer.Error)
	if answer.Error == "" {
		cause = fmt.Errorf("provisioner returned status %d", code)
	}

	switch {
	case code >= 200 && code < 300:
		if answer.Status != "failed" {
			return domain.Succeeded()
		}
		if answer.Retryable {
			return domain.Retryable(domain.NewRetryableError(cause))
		}
		return domain.Terminal(domain.NewTerminalError(cause))
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return domain.Retryable(domain.NewRetryableError(cause))
	default:
		return domain.Terminal(domain.NewTerminalError(cause))
	}
}
