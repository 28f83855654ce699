package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// openAIAdapter реализует ModelAdapter через OpenAI-совместимый API.
type openAIAdapter struct {
	client      *openaigo.Client
	model       string
	temperature float32
	maxTokens   int
	tokenizer   *Tokenizer
	logger      *zap.Logger
}

func newOpenAIAdapter(cfg Config, logger *zap.Logger) *openAIAdapter {
	openaiConfig := openaigo.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openaiConfig.BaseURL = cfg.BaseURL
	}
	// Таймаут задается контекстом каждого вызова.
	openaiConfig.HTTPClient = &http.Client{}

	return &openAIAdapter{
		client:      openaigo.NewClientWithConfig(openaiConfig),
		model:       cfg.Model,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
		tokenizer:   NewTokenizer(cfg.Model, logger),
		logger:      logger.Named("OpenAIAdapter"),
	}
}

func (a *openAIAdapter) Invoke(ctx context.Context, prompt Prompt, timeout time.Duration) (string, error) {
	if len(prompt.Messages) == 0 {
		return "", fmt.Errorf("%w: empty prompt", ErrRejected)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	messages := make([]openaigo.ChatCompletionMessage, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		messages = append(messages, openaigo.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	start := time.Now()
	resp, err := a.client.CreateChatCompletion(callCtx, openaigo.ChatCompletionRequest{
		Model:       a.model,
		Messages:    messages,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	})
	duration := time.Since(start)

	if err != nil {
		status := 0
		var apiErr *openaigo.APIError
		var reqErr *openaigo.RequestError
		if errors.As(err, &apiErr) {
			status = apiErr.HTTPStatusCode
		} else if errors.As(err, &reqErr) {
			status = reqErr.HTTPStatusCode
		}
		classified := classifyError(callCtx, err, status)
		a.logger.Warn("Model call failed",
			zap.String("model", a.model),
			zap.Duration("duration", duration),
			zap.Int("status", status),
			zap.Error(classified))
		observeRequest(a.model, "error", duration.Seconds())
		return "", classified
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		observeRequest(a.model, "error_empty_response", duration.Seconds())
		return "", ErrEmptyResponse
	}

	observeRequest(a.model, "success", duration.Seconds())
	promptTokens, completionTokens := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	if promptTokens == 0 {
		promptTokens = prompt.TokenCount
	}
	if completionTokens == 0 {
		completionTokens = a.tokenizer.Count(resp.Choices[0].Message.Content)
	}
	observeUsage(a.model, promptTokens, completionTokens)

	a.logger.Debug("Model response received",
		zap.String("model", a.model),
		zap.Duration("duration", duration),
		zap.Int("promptTokens", promptTokens),
		zap.Int("completionTokens", completionTokens))
	return resp.Choices[0].Message.Content, nil
}
