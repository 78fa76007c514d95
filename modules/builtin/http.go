package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/flowline-dev/flowline/internal/config"
	"github.com/flowline-dev/flowline/internal/ctxlog"
	"github.com/flowline-dev/flowline/internal/retry"
	"github.com/flowline-dev/flowline/internal/stage"
)

// httpClient is shared by all http_request executions to reuse TCP connections.
var httpClient = &http.Client{}

type httpParams struct {
	URL    string            `yaml:"url"`
	Method string            `yaml:"method"`
	Body   string            `yaml:"body"`
	Header map[string]string `yaml:"header"`
}

type httpStage struct {
	params httpParams
}

type httpOutput struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

func newHTTPStage(def config.Stage) (stage.Stage, error) {
	var p httpParams
	if err := decodeParams(def, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, fmt.Errorf("stage %q: params.url is required", def.Name)
	}
	if p.Method == "" {
		p.Method = http.MethodGet
	}
	return &httpStage{params: p}, nil
}

func (s *httpStage) Execute(ctx context.Context, in stage.Input) (json.RawMessage, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Making HTTP request", "method", s.params.Method, "url", s.params.URL)

	var body io.Reader
	if s.params.Body != "" {
		body = strings.NewReader(s.params.Body)
	}
	req, err := http.NewRequestWithContext(ctx, s.params.Method, s.params.URL, body)
	if err != nil {
		return nil, retry.PermanentErr(fmt.Errorf("build request: %w", err))
	}
	for k, v := range s.params.Header {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, retry.RetryableErr(fmt.Errorf("execute request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.RetryableErr(fmt.Errorf("read response body: %w", err))
	}
	logger.Debug("Received HTTP response", "status", resp.Status)

	if resp.StatusCode >= 500 {
		return nil, retry.RetryableErr(fmt.Errorf("server error: %s", resp.Status))
	}
	if resp.StatusCode >= 400 {
		return nil, retry.PermanentErr(fmt.Errorf("request rejected: %s", resp.Status))
	}
	return json.Marshal(httpOutput{StatusCode: resp.StatusCode, Body: string(respBody)})
}

func (s *httpStage) Retryable(err error) bool {
	return retry.IsRetryable(err)
}
