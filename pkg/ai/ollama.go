package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// ollamaAdapter реализует ModelAdapter через нативный API Ollama.
type ollamaAdapter struct {
	client      *api.Client
	model       string
	temperature float64
	maxTokens   int
	logger      *zap.Logger
}

func newOllamaAdapter(cfg Config, logger *zap.Logger) (*ollamaAdapter, error) {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/v1")
	baseURL = strings.TrimSuffix(baseURL, "/")

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Ollama base URL '%s': %w", baseURL, err)
	}

	return &ollamaAdapter{
		client:      api.NewClient(parsedURL, &http.Client{}),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger.Named("OllamaAdapter"),
	}, nil
}

func (a *ollamaAdapter) Invoke(ctx context.Context, prompt Prompt, timeout time.Duration) (string, error) {
	if len(prompt.Messages) == 0 {
		return "", fmt.Errorf("%w: empty prompt", ErrRejected)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := make([]api.Message, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		messages = append(messages, api.Message{Role: m.Role, Content: m.Content})
	}
	stream := false
	options := map[string]interface{}{"temperature": a.temperature}
	if a.maxTokens > 0 {
		options["num_predict"] = a.maxTokens
	}
	req := &api.ChatRequest{
		Model:    a.model,
		Messages: messages,
		Stream:   &stream,
		Format:   []byte(`"json"`),
		Options:  options,
	}

	start := time.Now()
	var resp api.ChatResponse
	err := a.client.Chat(callCtx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	duration := time.Since(start)

	if err != nil {
		status := 0
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			status = statusErr.StatusCode
		}
		classified := classifyError(callCtx, err, status)
		a.logger.Warn("Model call failed",
			zap.String("model", a.model),
			zap.Duration("duration", duration),
			zap.Error(classified))
		observeRequest(a.model, "error", duration.Seconds())
		return "", classified
	}

	if strings.TrimSpace(resp.Message.Content) == "" {
		observeRequest(a.model, "error_empty_response", duration.Seconds())
		return "", ErrEmptyResponse
	}

	observeRequest(a.model, "success", duration.Seconds())
	observeUsage(a.model, resp.PromptEvalCount, resp.EvalCount)
	a.logger.Debug("Model response received",
		zap.String("model", a.model),
		zap.Duration("duration", duration),
		zap.Int("promptTokens", resp.PromptEvalCount),
		zap.Int("completionTokens", resp.EvalCount))
	return resp.Message.Content, nil
}
