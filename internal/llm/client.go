package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"github.com/CodeWithBehnam/parley/internal/config"
)

// systemPrompt is the fixed instruction sent with every completion request.
const systemPrompt = "You are a helpful assistant. Answer the user's question " +
	"directly and concisely."

// Result is the outcome of one completion call. A failed call is still a
// Result: Text carries the user-facing error message, the numeric fields are
// zero, and FinishReason is "error".
type Result struct {
	Text           string `json:"text"`
	TokensUsed     int    `json:"tokensUsed"`
	InputTokens    int    `json:"inputTokens"`
	OutputTokens   int    `json:"outputTokens"`
	ResponseTimeMs int64  `json:"responseTime"`
	FinishReason   string `json:"finishReason"`
}

type Client struct {
	llm       llms.Model
	model     string
	maxTokens int
	timeout   time.Duration
	logger    *zap.Logger
	encoder   *tiktoken.Tiktoken
}

func New(cfg config.LLM, logger *zap.Logger) (*Client, error) {
	llm, err := openai.New(
		openai.WithToken(cfg.APIKey),
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, err
	}

	// The encoder only feeds outbound-request accounting logs; a model the
	// tokenizer doesn't know is not an error.
	encoder, err := tiktoken.EncodingForModel(cfg.Model)
	if err != nil {
		if encoder, err = tiktoken.GetEncoding("cl100k_base"); err != nil {
			logger.Debug("token encoder unavailable", zap.Error(err))
			encoder = nil
		}
	}

	return &Client{
		llm:       llm,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		logger:    logger,
		encoder:   encoder,
	}, nil
}

// NewWithModel wires an already-constructed model, used by tests to stub the
// provider.
func NewWithModel(llm llms.Model, model string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{llm: llm, model: model, maxTokens: 1000, timeout: timeout, logger: logger}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// Complete turns a prompt into model output plus usage and timing metadata.
// It never returns an error: any failure is classified into a user-facing
// message and returned as a Result with zeroed metrics. ResponseTimeMs is
// populated on the error path too. No retries are attempted here; a caller
// wanting retries must add that policy outside.
func (c *Client) Complete(ctx context.Context, input string) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if est := c.EstimateTokens(input); est > 0 {
		c.logger.Debug("sending completion request",
			zap.String("model", c.model),
			zap.Int("estimated_prompt_tokens", est))
	}

	start := time.Now()
	resp, err := c.llm.GenerateContent(ctx, promptMessages(input),
		llms.WithTemperature(0),
		llms.WithMaxTokens(c.maxTokens),
	)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		c.logger.Error("completion failed", zap.Error(err), zap.Int64("response_time_ms", elapsed))
		return Result{
			Text:           classifyError(err),
			ResponseTimeMs: elapsed,
			FinishReason:   "error",
		}
	}

	if len(resp.Choices) == 0 {
		c.logger.Error("completion returned no choices", zap.Int64("response_time_ms", elapsed))
		return Result{
			Text:           genericErrorMessage,
			ResponseTimeMs: elapsed,
			FinishReason:   "error",
		}
	}

	choice := resp.Choices[0]
	usage := ExtractUsage(choice.GenerationInfo)

	finish := choice.StopReason
	if finish == "" {
		finish = "stop"
	}

	return Result{
		Text:           choice.Content,
		TokensUsed:     usage.TotalTokens,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		ResponseTimeMs: elapsed,
		FinishReason:   finish,
	}
}

// CompleteStream forwards generated chunks to send as they are produced. If
// the upstream call fails after chunks have been sent, the error is returned
// and the stream is simply cut off; no usage or timing metadata is surfaced
// on this path.
func (c *Client) CompleteStream(ctx context.Context, input string, send func(chunk []byte) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.llm.GenerateContent(ctx, promptMessages(input),
		llms.WithTemperature(0),
		llms.WithMaxTokens(c.maxTokens),
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			return send(chunk)
		}),
	)
	return err
}

// EstimateTokens is a local best-effort prompt-token count for outbound
// accounting logs. It never substitutes for provider-reported usage.
func (c *Client) EstimateTokens(text string) int {
	if c.encoder == nil {
		return 0
	}
	return len(c.encoder.Encode(text, nil, nil))
}

func promptMessages(input string) []llms.MessageContent {
	return []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, input),
	}
}

const (
	authErrorMessage      = "Authentication error: the assistant's API credentials are missing or invalid."
	modelErrorMessage     = "Model configuration error: the configured model is not available."
	rateLimitErrorMessage = "The assistant is receiving too many requests right now. Please try again in a moment."
	timeoutErrorMessage   = "The request timed out. Please try again."
	authFailedMessage     = "Authentication with the language model provider failed."
	genericErrorMessage   = "Sorry, something went wrong while processing your request. Please try again."
)

// classifyError maps a provider failure to a user-facing message. Checks run
// in priority order; the first match wins. Raw provider errors are never
// forwarded to clients.
func classifyError(err error) string {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "api key") || strings.Contains(msg, "api_key") ||
		strings.Contains(msg, "credential"):
		return authErrorMessage
	case strings.Contains(msg, "model") &&
		(strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist") ||
			strings.Contains(msg, "unknown") || strings.Contains(msg, "unsupported")):
		return modelErrorMessage
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") || strings.Contains(msg, "429"):
		return rateLimitErrorMessage
	case errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded"):
		return timeoutErrorMessage
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized"):
		return authFailedMessage
	default:
		return genericErrorMessage
	}
}
