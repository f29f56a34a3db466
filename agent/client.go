// Package agent is the HTTP client for the external agent runtime that
// performs workflow work. Beyond the invoke and health calls its surface
// is opaque to the orchestrator.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom/errors"
)

// ProgressFunc receives incremental progress reports during an invocation.
// progress is 0-100; message may be empty. Must not block: it is called
// inline while the response stream is being read.
type ProgressFunc func(progress int, message string)

// Invoker is the call contract the engine depends on. Satisfied by
// *Client; tests substitute stubs.
type Invoker interface {
	// Invoke runs one agent invocation. The context bounds the call: on
	// expiry or cancellation the invocation fails with ErrInvoker. The
	// onProgress callback may be nil.
	Invoke(ctx context.Context, agentType string, configuration, input json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error)
}

// Client calls the agent runtime over HTTP.
//
// Invocations are rate-limited per minute; the limit is adjustable at
// runtime via SetRequestsPerMinute for config hot reload.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
}

// Config holds agent client configuration.
type Config struct {
	BaseURL           string
	RequestsPerMinute int
	Logger            *zap.SugaredLogger
}

// NewClient creates an agent runtime client.
func NewClient(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			// Per-invocation deadlines come from the caller's context;
			// no client-level timeout that would cap long executions.
			Timeout: 0,
		},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		logger:  log,
	}
}

// SetRequestsPerMinute adjusts the invocation rate limit.
func (c *Client) SetRequestsPerMinute(rpm int) {
	if rpm <= 0 {
		return
	}
	c.limiter.SetLimit(rate.Limit(float64(rpm) / 60.0))
	c.limiter.SetBurst(rpm)
}

// invokeRequest is the wire request for an agent invocation.
type invokeRequest struct {
	Configuration json.RawMessage `json:"configuration"`
	Input         json.RawMessage `json:"input,omitempty"`
}

// frame is one ndjson stream frame from the runtime.
type frame struct {
	Type     string          `json:"type"` // progress | log | result | error
	Progress int             `json:"progress,omitempty"`
	Message  string          `json:"message,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// invokeResponse is the wire response when the runtime answers with a
// single JSON document instead of a stream.
type invokeResponse struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error,omitempty"`
}

// Invoke implements Invoker. The runtime may answer with a single JSON
// document or an ndjson stream of progress/log/result frames; both are
// handled transparently.
func (c *Client) Invoke(ctx context.Context, agentType string, configuration, input json.RawMessage, onProgress ProgressFunc) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, invokerErr(err, "rate limit wait")
	}

	body, err := json.Marshal(invokeRequest{Configuration: configuration, Input: input})
	if err != nil {
		return nil, errors.Wrap(err, "marshal invoke request")
	}

	url := fmt.Sprintf("%s/v1/agents/%s/invoke", c.baseURL, agentType)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build invoke request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson, application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, invokerErr(err, "agent runtime unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.NewInvokerf("agent runtime returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var output json.RawMessage
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/x-ndjson") {
		output, err = c.readStream(ctx, resp.Body, onProgress)
	} else {
		output, err = readSingle(resp.Body)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debugw("Agent invocation complete",
		"agent_type", agentType,
		"duration_ms", time.Since(start).Milliseconds(),
		"output_bytes", len(output),
	)
	return output, nil
}

// readStream consumes ndjson frames until a result or error frame.
// Progress frames are forwarded to onProgress as they arrive; they never
// block the read loop.
func (c *Client) readStream(ctx context.Context, body io.Reader, onProgress ProgressFunc) (json.RawMessage, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var fr frame
		if err := json.Unmarshal(line, &fr); err != nil {
			c.logger.Warnw("Skipping malformed stream frame", "error", err)
			continue
		}

		switch fr.Type {
		case "progress":
			if onProgress != nil {
				onProgress(fr.Progress, fr.Message)
			}
		case "log":
			if onProgress != nil {
				onProgress(-1, fr.Message)
			}
		case "result":
			return fr.Output, nil
		case "error":
			return nil, errors.NewInvokerf("agent reported failure: %s", fr.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, invokerErr(err, "read agent stream")
	}
	if err := ctx.Err(); err != nil {
		return nil, invokerErr(err, "agent stream interrupted")
	}
	return nil, errors.NewInvokerf("agent stream ended without a result")
}

func readSingle(body io.Reader) (json.RawMessage, error) {
	var resp invokeResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, invokerErr(err, "decode agent response")
	}
	if resp.Error != "" {
		return nil, errors.NewInvokerf("agent reported failure: %s", resp.Error)
	}
	return resp.Output, nil
}

// invokerErr wraps transport and context errors into the invoker
// taxonomy, with timeouts called out explicitly.
func invokerErr(err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrInvoker, "execution timeout exceeded")
	}
	return errors.Wrap(errors.Wrap(errors.ErrInvoker, err.Error()), msg)
}
