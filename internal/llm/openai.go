package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"sagaforge/internal/config"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	client openai.Client
	roles  map[string]config.RoleConfig
}

func NewOpenAI(cfg config.LLMConfig) *OpenAIClient {
	opts := []option.RequestOption{
		// Retries are owned by Retrying so the backoff policy stays in one place.
		option.WithMaxRetries(0),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		roles:  cfg.Roles,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	req = resolve(req, c.roles[req.Role])
	if strings.TrimSpace(req.Model) == "" {
		return "", &TransportError{Role: req.Role, Err: fmt.Errorf("no model configured")}
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(req.Role, err)
	}
	if len(resp.Choices) == 0 {
		return "", &TransportError{Role: req.Role, Temporary: true, Err: fmt.Errorf("response has no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}

func resolve(req Request, rc config.RoleConfig) Request {
	if req.Model == "" {
		req.Model = rc.Model
	}
	if req.Temperature == nil {
		req.Temperature = rc.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = rc.MaxTokens
	}
	return req
}

func classify(role string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		return &TransportError{
			Role:       role,
			StatusCode: code,
			Temporary:  code == 408 || code == 409 || code == 429 || code >= 500,
			Err:        err,
		}
	}
	// Connection resets, DNS failures and per-call deadlines.
	return &TransportError{Role: role, Temporary: true, Err: err}
}
