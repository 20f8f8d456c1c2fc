// Package llm implements the classification, scoring, suggestion, synthesis
// and worker collaborators on the OpenAI Chat Completions API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/tracing"
)

// ErrEmptyResponse is returned when the model produced no choices or text
var ErrEmptyResponse = errors.New("empty model response")

// Config for the OpenAI client
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
}

// Client wraps the OpenAI client with the router's model settings
type Client struct {
	api         openai.Client
	model       string
	temperature float64
	timeout     time.Duration
	logger      *zap.Logger
}

// NewClient creates a Client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &Client{
		api:         openai.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		logger:      logger,
	}
}

// params starts a request with the configured model and temperature
func (c *Client) params(messages ...openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       c.model,
		Temperature: openai.Float(c.temperature),
	}
}

// create sends one chat completion request and returns the first choice
func (c *Client) create(ctx context.Context, span string, params openai.ChatCompletionNewParams) (openai.ChatCompletionMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	ctx, s := tracing.StartSpan(ctx, "llm."+span)

	start := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err == nil && len(resp.Choices) == 0 {
		err = ErrEmptyResponse
	}
	tracing.EndSpan(s, err)
	if err != nil {
		c.logger.Warn("Chat completion failed", zap.String("call", span), zap.Error(err))
		return openai.ChatCompletionMessage{}, fmt.Errorf("openai %s: %w", span, err)
	}

	c.logger.Debug("Chat completion",
		zap.String("call", span),
		zap.String("model", resp.Model),
		zap.Int64("total_tokens", resp.Usage.TotalTokens),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp.Choices[0].Message, nil
}

// complete runs a system + user exchange and returns the reply text
func (c *Client) complete(ctx context.Context, span, system, user string) (string, error) {
	msg, err := c.create(ctx, span, c.params(openai.SystemMessage(system), openai.UserMessage(user)))
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return "", fmt.Errorf("openai %s: %w", span, ErrEmptyResponse)
	}
	return text, nil
}
