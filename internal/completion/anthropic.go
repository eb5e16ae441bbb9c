package completion

import (
	"context"
	"errors"
	"net/http"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stellarlinkco/nexusbridge/internal/config"
)

type messageService interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

type anthropicAdapter struct {
	msgs       messageService
	model      string
	maxTokens  int
	httpClient *http.Client
}

func newAnthropic(opts Options) *anthropicAdapter {
	reqOpts := []option.RequestOption{
		// Explicit key overrides ANTHROPIC_* values the SDK reads from the environment.
		option.WithAPIKey(opts.APIKey),
		option.WithHTTPClient(opts.HTTPClient),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := anthropicsdk.NewClient(reqOpts...)

	return &anthropicAdapter{
		msgs:       &client.Messages,
		model:      opts.Model,
		maxTokens:  opts.MaxTokens,
		httpClient: opts.HTTPClient,
	}
}

func (a *anthropicAdapter) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := a.msgs.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(a.model),
		MaxTokens: int64(a.maxTokens),
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		ce := &Error{Provider: config.ProviderAnthropic, Err: err}
		var apiErr *anthropicsdk.Error
		if errors.As(err, &apiErr) {
			ce.Status = apiErr.StatusCode
		}
		return "", ce
	}
	if msg == nil {
		return "", &Error{Provider: config.ProviderAnthropic, Err: ErrEmptyResponse}
	}

	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, ""))
	if text == "" {
		return "", &Error{Provider: config.ProviderAnthropic, Err: ErrEmptyResponse}
	}
	return text, nil
}

func (a *anthropicAdapter) Close() error {
	closeIdle(a.httpClient)
	return nil
}
