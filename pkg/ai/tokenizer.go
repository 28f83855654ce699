package ai

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

const fallbackEncoding = "cl100k_base"

// Tokenizer считает токены для бюджета промпта.
// Если словарь tiktoken недоступен, используется оценка ~4 символа на токен.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTokenizer подбирает кодировку под модель, затем пробует cl100k_base.
func NewTokenizer(model string, logger *zap.Logger) *Tokenizer {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		if logger != nil {
			logger.Warn("Tokenizer unavailable, using character estimate", zap.String("model", model), zap.Error(err))
		}
		return &Tokenizer{}
	}
	return &Tokenizer{enc: enc}
}

// Count возвращает число токенов в тексте.
func (t *Tokenizer) Count(text string) int {
	if text == "" {
		return 0
	}
	if t == nil || t.enc == nil {
		return (utf8.RuneCountInString(text) + 3) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}

// CountMessages суммирует токены сообщений с небольшой надбавкой на роль.
func (t *Tokenizer) CountMessages(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += t.Count(m.Content) + 4
	}
	return total
}

// NewEstimateTokenizer возвращает счетчик без словаря (только оценка).
func NewEstimateTokenizer() *Tokenizer {
	return &Tokenizer{}
}
