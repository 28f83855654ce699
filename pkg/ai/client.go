package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Роли сообщений диалога с моделью.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message одно сообщение промпта.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt набор сообщений для одного вызова модели.
type Prompt struct {
	Messages []Message `json:"messages"`
	// TokenCount оценка размера промпта в токенах.
	TokenCount int `json:"token_count"`
}

// ModelAdapter вызывает внешнюю языковую модель. Повторов внутри нет:
// за политику повторов отвечает вызывающая сторона.
type ModelAdapter interface {
	Invoke(ctx context.Context, prompt Prompt, timeout time.Duration) (string, error)
}

var (
	// ErrTimeout вызов модели не уложился в таймаут.
	ErrTimeout = errors.New("model call timed out")
	// ErrTransport сетевая ошибка или ответ 5xx/429.
	ErrTransport = errors.New("model transport failure")
	// ErrEmptyResponse модель вернула пустой ответ.
	ErrEmptyResponse = errors.New("model returned empty response")
	// ErrRejected запрос отклонен моделью (4xx), повтор бессмысленен.
	ErrRejected = errors.New("model rejected request")
)

// IsRetryable сообщает, имеет ли смысл повторять вызов.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport) || errors.Is(err, ErrEmptyResponse)
}

// Config настройки адаптера модели.
type Config struct {
	ClientType  string // openai | ollama
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
}

// NewModelAdapter создает адаптер по типу клиента.
func NewModelAdapter(cfg Config, logger *zap.Logger) (ModelAdapter, error) {
	switch strings.ToLower(cfg.ClientType) {
	case "openai", "":
		logger.Info("Using OpenAI-compatible model adapter", zap.String("baseURL", cfg.BaseURL), zap.String("model", cfg.Model))
		return newOpenAIAdapter(cfg, logger), nil
	case "ollama":
		logger.Info("Using Ollama model adapter", zap.String("baseURL", cfg.BaseURL), zap.String("model", cfg.Model))
		return newOllamaAdapter(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown AI client type: '%s'", cfg.ClientType)
	}
}

// classifyError приводит ошибку клиента к одной из категорий пакета.
func classifyError(ctx context.Context, err error, statusCode int) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return fmt.Errorf("%w: status %d: %v", ErrTransport, statusCode, err)
	case statusCode >= 400:
		return fmt.Errorf("%w: status %d: %v", ErrRejected, statusCode, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
