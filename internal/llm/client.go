package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/connexus-ai/ragcore/internal/config"
	"github.com/connexus-ai/ragcore/internal/metrics"
	"github.com/connexus-ai/ragcore/internal/tracing"
)

// Message is one chat turn sent to the completion endpoint
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Result carries a completion and its token usage
type Result struct {
	Content    string
	TokensUsed int
	Model      string
}

// Client talks to the chat completion service. Query expansion,
// compaction summaries, and the rerank fallback all go through here with
// a purpose label for metrics.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
	logger  *zap.Logger
}

var globalClient *Client

func Initialize(cfg config.LLMConfig, logger *zap.Logger) {
	globalClient = NewClient(cfg, logger)
}

func Get() *Client { return globalClient }

// NewClient builds a standalone client; used in tests
func NewClient(cfg config.LLMConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		http:    &http.Client{},
		logger:  logger,
	}
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// CompleteOpts tunes a single completion call
type CompleteOpts struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	Purpose     string // metrics label: expansion, summary, rerank_fallback
}

// Complete sends messages and returns the first choice
func (c *Client) Complete(ctx context.Context, messages []Message, opts CompleteOpts) (*Result, error) {
	if c == nil {
		return nil, fmt.Errorf("llm client not initialized")
	}
	model := opts.Model
	if model == "" {
		model = c.model
	}
	purpose := opts.Purpose
	if purpose == "" {
		purpose = "general"
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	url := fmt.Sprintf("%s/v1/chat/completions", c.baseURL)
	ctx, span := tracing.StartHTTPSpan(ctx, "POST", url)
	defer span.End()

	payload := completionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordLLMMetrics(purpose, "error", 0)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordLLMMetrics(purpose, "error", 0)
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("llm service returned %d: %s", resp.StatusCode, string(body))
	}

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		metrics.RecordLLMMetrics(purpose, "error", 0)
		return nil, err
	}
	if len(cr.Choices) == 0 {
		metrics.RecordLLMMetrics(purpose, "empty", 0)
		return nil, fmt.Errorf("llm returned no choices")
	}

	metrics.RecordLLMMetrics(purpose, "ok", cr.Usage.TotalTokens)
	return &Result{
		Content:    cr.Choices[0].Message.Content,
		TokensUsed: cr.Usage.TotalTokens,
		Model:      cr.Model,
	}, nil
}
