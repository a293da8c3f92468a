package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/batchflow/config"
	"github.com/BaSui01/batchflow/internal/tlsutil"
	"github.com/BaSui01/batchflow/types"
	"go.uber.org/zap"
)

// Params are the sampling parameters sent with every completion.
type Params struct {
	NPredict    int
	Temperature float64
	TopP        float64
	Stop        []string
	CachePrompt bool
}

// DefaultParams returns the configured worker defaults.
func DefaultParams(cfg config.WorkerConfig) Params {
	return Params{
		NPredict:    cfg.NPredict,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		Stop:        cfg.Stop,
		CachePrompt: cfg.CachePrompt,
	}
}

// For applies the per-request overrides carried by req.
func (p Params) For(req *types.ChatRequest) Params {
	if req.NPredict != nil {
		p.NPredict = *req.NPredict
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		p.TopP = *req.TopP
	}
	return p
}

// Request is the /completion request body.
type Request struct {
	Prompt      string      `json:"prompt"`
	NPredict    int         `json:"n_predict"`
	Stop        []string    `json:"stop"`
	Temperature float64     `json:"temperature"`
	TopP        float64     `json:"top_p"`
	Stream      bool        `json:"stream"`
	CachePrompt bool        `json:"cache_prompt"`
	ImageData   []ImageData `json:"image_data,omitempty"`
}

// Response is the subset of the /completion reply the gateway keeps.
type Response struct {
	Content         string `json:"content"`
	Model           string `json:"model,omitempty"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
	Stop            bool   `json:"stop"`
	StopType        string `json:"stop_type"`
}

// Client invokes workers.
type Client struct {
	http     *http.Client
	defaults Params
	logger   *zap.Logger
}

// NewClient creates a Client. perHost sizes the idle connection pool per
// worker and should be at least the batch size.
func NewClient(cfg config.WorkerConfig, perHost int, logger *zap.Logger) *Client {
	timeout := cfg.CompletionTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:     tlsutil.WorkerHTTPClient(timeout, perHost),
		defaults: DefaultParams(cfg),
		logger:   logger.With(zap.String("component", "completion")),
	}
}

// Build renders req into a /completion body.
func (c *Client) Build(req *types.ChatRequest) Request {
	prompt := Render(req)
	p := c.defaults.For(req)
	return Request{
		Prompt:      prompt.Text,
		NPredict:    p.NPredict,
		Stop:        p.Stop,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		Stream:      false,
		CachePrompt: p.CachePrompt,
		ImageData:   prompt.Images,
	}
}

// Complete sends req to the worker at addr. Any failure is returned as a
// WORKER_INVOCATION_FAILED error.
func (c *Client) Complete(ctx context.Context, addr string, req *types.ChatRequest) (types.Result, error) {
	body, err := json.Marshal(c.Build(req))
	if err != nil {
		return types.Result{}, invocationError("failed to encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(addr, "/completion"), bytes.NewReader(body))
	if err != nil {
		return types.Result{}, invocationError("failed to create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return types.Result{}, invocationError("request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorMessage(resp.Body)
		return types.Result{}, types.NewError(types.ErrWorkerInvocationFailure,
			fmt.Sprintf("worker returned status %d: %s", resp.StatusCode, msg)).
			WithHTTPStatus(http.StatusBadGateway).
			WithRetryable(resp.StatusCode >= 500)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.Result{}, invocationError("malformed worker reply", err)
	}

	c.logger.Debug("completion finished",
		zap.String("worker", addr),
		zap.Int("tokens_predicted", out.TokensPredicted),
		zap.String("stop_type", out.StopType),
	)

	return types.Result{
		Content:         strings.TrimSpace(out.Content),
		TokensPredicted: out.TokensPredicted,
		TokensEvaluated: out.TokensEvaluated,
		Stop:            out.Stop,
		StopType:        out.StopType,
	}, nil
}

// Health checks the worker's /health endpoint.
func (c *Client) Health(ctx context.Context, addr string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(addr, "/health"), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker health check failed: status=%d msg=%s", resp.StatusCode, readErrorMessage(resp.Body))
	}
	return nil
}

func endpoint(addr, path string) string {
	return strings.TrimRight(addr, "/") + path
}

func invocationError(msg string, err error) *types.Error {
	return types.NewError(types.ErrWorkerInvocationFailure, msg).
		WithCause(err).
		WithHTTPStatus(http.StatusBadGateway).
		WithRetryable(true)
}

// readErrorMessage extracts {"error":{"message":...}} or falls back to the raw body.
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}

	return strings.TrimSpace(string(data))
}
