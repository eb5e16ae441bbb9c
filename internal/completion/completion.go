// Package completion wraps a single external text-completion call behind a
// uniform contract. Every failure is reported as *Error; nothing is retried.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/nexusbridge/internal/config"
)

const (
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-sonnet-4-5-20250929"
)

var (
	ErrMissingAPIKey = errors.New("missing api key")
	ErrEmptyResponse = errors.New("empty completion response")
)

// Error is the single failure type of an Adapter. Status is the upstream HTTP
// status when one was received.
type Error struct {
	Provider string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("completion (%s) failed: http %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("completion (%s) failed: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Adapter issues one completion request per call.
type Adapter interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Close() error
}

// Func adapts a plain function to Adapter. Errors that are not already *Error
// are wrapped.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Complete(ctx context.Context, prompt string) (string, error) {
	text, err := f(ctx, prompt)
	if err != nil {
		var ce *Error
		if !errors.As(err, &ce) {
			err = &Error{Provider: "func", Err: err}
		}
		return "", err
	}
	return text, nil
}

func (f Func) Close() error { return nil }

type Options struct {
	Type       string
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	Timeout    time.Duration
	HTTPClient *http.Client
}

func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Type:      strings.ToLower(strings.TrimSpace(cfg.Provider.Type)),
		APIKey:    strings.TrimSpace(cfg.Provider.APIKey),
		BaseURL:   strings.TrimSpace(cfg.Provider.BaseURL),
		Model:     strings.TrimSpace(cfg.Completion.Model),
		MaxTokens: cfg.Completion.MaxTokens,
		Timeout:   time.Duration(cfg.Completion.TimeoutSec) * time.Second,
	}
	if opts.Type == "" {
		opts.Type = config.DefaultProviderType
	}
	// The shipped default model is a Gemini model; pick a sensible one when the
	// provider was switched without naming a model.
	if opts.Model == "" || (opts.Model == config.DefaultModel && opts.Type != config.ProviderGemini) {
		switch opts.Type {
		case config.ProviderOpenAI:
			opts.Model = DefaultOpenAIModel
		case config.ProviderAnthropic:
			opts.Model = DefaultAnthropicModel
		default:
			opts.Model = config.DefaultModel
		}
	}
	if opts.Type == config.ProviderGemini && opts.BaseURL == "" {
		opts.BaseURL = config.DefaultGeminiBaseURL
	}
	return opts
}

// New builds the adapter for opts.Type. A missing API key is not an error:
// the returned adapter fails every call with ErrMissingAPIKey instead.
func New(opts Options) (Adapter, error) {
	if opts.Type == "" {
		opts.Type = config.DefaultProviderType
	}
	switch opts.Type {
	case config.ProviderGemini, config.ProviderOpenAI, config.ProviderAnthropic:
	default:
		return nil, fmt.Errorf("unknown provider type %q", opts.Type)
	}

	if opts.APIKey == "" {
		log.Printf("[completion] warning: no API key for %s; completion calls will fail", opts.Type)
		return unavailable{provider: opts.Type}, nil
	}

	if opts.MaxTokens <= 0 {
		opts.MaxTokens = config.DefaultMaxTokens
	}
	if opts.HTTPClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = time.Duration(config.DefaultCompletionTimeout) * time.Second
		}
		opts.HTTPClient = &http.Client{Timeout: timeout}
	}

	if opts.Type == config.ProviderAnthropic {
		return newAnthropic(opts), nil
	}
	return newOpenAI(opts), nil
}

type unavailable struct {
	provider string
}

func (u unavailable) Complete(ctx context.Context, prompt string) (string, error) {
	return "", &Error{Provider: u.provider, Err: ErrMissingAPIKey}
}

func (u unavailable) Close() error { return nil }

func closeIdle(client *http.Client) {
	if client != nil {
		client.CloseIdleConnections()
	}
}
