package deepseek

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/example/id-verifier/internal/logging"
	"github.com/example/id-verifier/internal/vision"
)

const maxErrorBody = 512

// Options configures the chat-completion client.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	// HTTPClient overrides the transport; its Timeout is left untouched when set.
	HTTPClient *http.Client
}

// Client calls an OpenAI compatible chat-completions endpoint with one inline image.
type Client struct {
	api    *openai.Client
	opts   Options
	logger *zap.Logger
}

// NewClient returns a vision.Client backed by the DeepSeek chat-completions API.
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("deepseek: api key is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	cfg.HTTPClient = httpClient

	return &Client{
		api:    openai.NewClientWithConfig(cfg),
		opts:   opts,
		logger: logger.Named("deepseek"),
	}, nil
}

var _ vision.Client = (*Client)(nil)

// Complete sends req and returns the first choice's message text.
func (c *Client) Complete(ctx context.Context, req vision.Request) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: req.UserPrompt},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    req.ImageDataURI,
					Detail: openai.ImageURLDetailHigh,
				},
			},
		},
	})

	started := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.opts.Model,
		Messages:    messages,
		Temperature: wireTemperature(c.opts.Temperature),
		MaxTokens:   c.opts.MaxTokens,
	})
	if err != nil {
		statusErr := c.toStatusError(err)
		c.logger.Warn("chat completion failed",
			zap.Int("upstream_status", statusErr.StatusCode),
			zap.String("upstream_message", statusErr.Message),
			zap.Duration("elapsed", time.Since(started)),
		)
		return "", logging.NewOperationError("deepseek.complete", "", statusErr)
	}

	c.logger.Debug("chat completion succeeded",
		zap.String("model", resp.Model),
		zap.Int("choices", len(resp.Choices)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Duration("elapsed", time.Since(started)),
	)

	if len(resp.Choices) == 0 {
		return "", logging.NewOperationError("deepseek.complete", "", vision.EmptyReplyError{})
	}
	return resp.Choices[0].Message.Content, nil
}

// wireTemperature keeps an explicit zero on the wire. The request field is
// omitempty, and an absent temperature makes the API fall back to its default.
func wireTemperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

func (c *Client) toStatusError(err error) *vision.StatusError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &vision.StatusError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    c.redact(apiErr.Message),
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := strings.TrimSpace(string(reqErr.Body))
		if msg == "" {
			msg = reqErr.HTTPStatus
		}
		return &vision.StatusError{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    c.redact(truncate(msg, maxErrorBody)),
		}
	}

	msg := "request failed"
	switch {
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		msg = "request timed out"
	case errors.Is(err, context.Canceled):
		msg = "request canceled"
	}
	return &vision.StatusError{Message: msg, Err: err}
}

// redact removes the credential from text that may be echoed back to callers.
func (c *Client) redact(s string) string {
	if c.opts.APIKey == "" {
		return s
	}
	return strings.ReplaceAll(s, c.opts.APIKey, "[redacted]")
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
