package runtime

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

	"github.com/fernwood/operon/pkg/api"
)

type (
	// ModelClient produces one assistant turn from the conversation so
	// far and the tools the agent may call
	ModelClient interface {
		Complete(
			ctx context.Context, messages []*api.ChatMessage,
			tools []api.ToolDef,
		) (*api.TurnResult, error)
	}

	// HTTPModelClient invokes a model gateway over HTTP. The gateway
	// accepts {model, messages, tools} and answers with a TurnResult
	// body.
	HTTPModelClient struct {
		httpClient *http.Client
		endpoint   string
		model      string
	}

	// HTTPToolRunner executes tool calls against a tool gateway that
	// accepts {name, args} and answers {success, result, error}
	HTTPToolRunner struct {
		httpClient *http.Client
		endpoint   string
	}

	modelRequest struct {
		Model    string             `json:"model"`
		Messages []*api.ChatMessage `json:"messages"`
		Tools    []api.ToolDef      `json:"tools,omitempty"`
	}

	toolRequest struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args,omitempty"`
	}

	toolResponse struct {
		Success bool   `json:"success"`
		Result  any    `json:"result"`
		Error   string `json:"error,omitempty"`
	}
)

var (
	ErrModelHTTP       = errors.New("model gateway returned HTTP error")
	ErrToolHTTP        = errors.New("tool gateway returned HTTP error")
	ErrToolUnsuccessful = errors.New("tool returned success=false")
)

var (
	_ ModelClient = (*HTTPModelClient)(nil)
	_ ToolRunner  = (*HTTPToolRunner)(nil)
)

// NewHTTPModelClient creates a model client for one endpoint and model
// name
func NewHTTPModelClient(
	endpoint, model string, timeout time.Duration,
) *HTTPModelClient {
	return &HTTPModelClient{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		model:      model,
	}
}

// Complete posts the conversation and tool declarations, returning the
// decoded turn result
func (c *HTTPModelClient) Complete(
	ctx context.Context, messages []*api.ChatMessage, tools []api.ToolDef,
) (*api.TurnResult, error) {
	body, err := postJSON(ctx, c.httpClient, c.endpoint, &modelRequest{
		Model:    c.model,
		Messages: messages,
		Tools:    tools,
	}, ErrModelHTTP)
	if err != nil {
		return nil, err
	}

	var res api.TurnResult
	if err := json.Unmarshal(body, &res); err != nil {
		slog.Error("Failed to unmarshal model response",
			slog.String("model", c.model),
			slog.Any("error", err))
		return nil, err
	}
	return &res, nil
}

// NewHTTPToolRunner creates a tool runner for one gateway endpoint
func NewHTTPToolRunner(
	endpoint string, timeout time.Duration,
) *HTTPToolRunner {
	return &HTTPToolRunner{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
	}
}

// Run executes one named tool call and returns its result
func (r *HTTPToolRunner) Run(
	ctx context.Context, name string, args map[string]any,
) (any, error) {
	body, err := postJSON(ctx, r.httpClient, r.endpoint, &toolRequest{
		Name: name,
		Args: args,
	}, ErrToolHTTP)
	if err != nil {
		return nil, err
	}

	var res toolResponse
	if err := json.Unmarshal(body, &res); err != nil {
		slog.Error("Failed to unmarshal tool response",
			slog.String("tool", name),
			slog.Any("error", err))
		return nil, err
	}
	if !res.Success {
		if res.Error == "" {
			return nil, ErrToolUnsuccessful
		}
		return nil, fmt.Errorf("%w: %s", ErrToolUnsuccessful, res.Error)
	}
	return res.Result, nil
}

func postJSON(
	ctx context.Context, client *http.Client, endpoint string,
	payload any, httpErr error,
) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx, "POST", endpoint, bytes.NewBuffer(body),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	dur := time.Since(start)
	if err != nil {
		slog.Error("HTTP request failed",
			slog.String("endpoint", endpoint),
			slog.Duration("duration", dur),
			slog.Any("error", err))
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("HTTP error",
			slog.String("endpoint", endpoint),
			slog.Int("status_code", resp.StatusCode),
			slog.String("response_body", string(respBody)))
		return nil, fmt.Errorf("%w: HTTP %d", httpErr, resp.StatusCode)
	}
	return respBody, nil
}
