package client

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

	"github.com/tidwall/gjson"
)

type (
	// HTTPClient implements Client against a GraphQL-over-HTTP endpoint
	HTTPClient struct {
		httpClient *http.Client
		endpoint   string
		authToken  string
	}

	graphqlRequest struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables,omitempty"`
	}
)

const DefaultRequestTimeout = 30 * time.Second

var (
	ErrHTTPStatus     = errors.New("persistence service returned HTTP error")
	ErrGraphQL        = errors.New("persistence service returned errors")
	ErrMalformedReply = errors.New("persistence service reply not valid JSON")
)

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a persistence client for the given endpoint. An
// empty authToken disables the Authorization header.
func NewHTTPClient(
	endpoint, authToken string, timeout time.Duration,
) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		authToken:  authToken,
	}
}

func (c *HTTPClient) Query(
	ctx context.Context, request string, vars map[string]any,
) (json.RawMessage, error) {
	return c.post(ctx, request, vars)
}

func (c *HTTPClient) Mutate(
	ctx context.Context, request string, vars map[string]any,
) (json.RawMessage, error) {
	return c.post(ctx, request, vars)
}

func (c *HTTPClient) post(
	ctx context.Context, request string, vars map[string]any,
) (json.RawMessage, error) {
	body, err := json.Marshal(graphqlRequest{
		Query:     request,
		Variables: vars,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.endpoint, bytes.NewReader(body),
	)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}

	if !gjson.ValidBytes(raw) {
		return nil, ErrMalformedReply
	}

	parsed := gjson.ParseBytes(raw)
	if errs := parsed.Get("errors"); errs.Exists() && errs.IsArray() {
		var msgs []string
		for _, e := range errs.Array() {
			msgs = append(msgs, e.Get("message").String())
		}
		return nil, fmt.Errorf("%w: %s", ErrGraphQL,
			strings.Join(msgs, "; "))
	}

	data := parsed.Get("data")
	if !data.Exists() {
		return nil, ErrMalformedReply
	}
	return json.RawMessage(data.Raw), nil
}
