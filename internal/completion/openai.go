package completion

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

type chatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// openaiAdapter serves both OpenAI and Gemini (through its OpenAI-compatible
// endpoint).
type openaiAdapter struct {
	provider    string
	completions chatCompletions
	model       string
	maxTokens   int
	httpClient  *http.Client
}

func newOpenAI(opts Options) *openaiAdapter {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithHTTPClient(opts.HTTPClient),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(reqOpts...)

	return &openaiAdapter{
		provider:    opts.Type,
		completions: &client.Chat.Completions,
		model:       opts.Model,
		maxTokens:   opts.MaxTokens,
		httpClient:  opts.HTTPClient,
	}
}

func (a *openaiAdapter) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := a.completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     shared.ChatModel(a.model),
		MaxTokens: openai.Int(int64(a.maxTokens)),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		ce := &Error{Provider: a.provider, Err: err}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			ce.Status = apiErr.StatusCode
		}
		return "", ce
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", &Error{Provider: a.provider, Err: ErrEmptyResponse}
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", &Error{Provider: a.provider, Err: ErrEmptyResponse}
	}
	return text, nil
}

func (a *openaiAdapter) Close() error {
	closeIdle(a.httpClient)
	return nil
}
