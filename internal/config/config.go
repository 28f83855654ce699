package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

// Хранилища мира
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// SecretsDir каталог Docker Secrets.
var SecretsDir = "/run/secrets"

// Config содержит конфигурацию narrative-server.
type Config struct {
	// Настройки сервера
	Port            string        `envconfig:"SERVER_PORT" default:"8080"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding     string        `envconfig:"LOG_ENCODING" default:"json"`
	LogOutput       string        `envconfig:"LOG_OUTPUT"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	AllowedOrigins  []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	// STORE_DRIVER: postgres | memory
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`

	// Настройки PostgreSQL
	DBHost        string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort        string        `envconfig:"DB_PORT" default:"5432"`
	DBUser        string        `envconfig:"DB_USER" default:"postgres"`
	DBName        string        `envconfig:"DB_NAME" default:"narrative"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int           `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout time.Duration `envconfig:"DB_MAX_IDLE_MINUTES" default:"5m"`
	// Секрет, без envconfig тега
	DBPassword string `ignored:"true"`

	// Кэш снимков в Redis. Пустой адрес отключает кэш.
	RedisAddr        string        `envconfig:"REDIS_ADDR"`
	RedisDB          int           `envconfig:"REDIS_DB" default:"0"`
	RedisSnapshotTTL time.Duration `envconfig:"REDIS_SNAPSHOT_TTL" default:"10m"`
	RedisPassword    string        `ignored:"true"`

	// RabbitMQ. Пустой URL отключает шину.
	RabbitMQURL       string `envconfig:"RABBITMQ_URL"`
	EventsExchange    string `envconfig:"STORY_EVENTS_EXCHANGE" default:"story_events"`
	ActionsQueue      string `envconfig:"NARRATIVE_ACTIONS_QUEUE" default:"narrative_actions"`
	ConsumerPrefetch  int    `envconfig:"NARRATIVE_ACTIONS_PREFETCH" default:"8"`
	RabbitConnRetries uint64 `envconfig:"RABBITMQ_CONNECT_RETRIES" default:"5"`

	// Модель
	AIClientType     string        `envconfig:"AI_CLIENT_TYPE" default:"openai"`
	AIBaseURL        string        `envconfig:"AI_BASE_URL" default:"https://api.openai.com/v1"`
	AIModel          string        `envconfig:"AI_MODEL" default:"gpt-4o-mini"`
	AITemperature    float64       `envconfig:"AI_TEMPERATURE" default:"0.7"`
	AIMaxTokens      int           `envconfig:"AI_MAX_TOKENS" default:"1024"`
	AITimeout        time.Duration `envconfig:"AI_TIMEOUT" default:"30s"`
	AIMaxAttempts    int           `envconfig:"AI_MAX_ATTEMPTS" default:"3"`
	AIBaseRetryDelay time.Duration `envconfig:"AI_BASE_RETRY_DELAY" default:"500ms"`
	AIMaxRetryDelay  time.Duration `envconfig:"AI_MAX_RETRY_DELAY" default:"5s"`
	AIConcurrency    int           `envconfig:"AI_CONCURRENCY" default:"4"`
	AIPoolWait       time.Duration `envconfig:"AI_POOL_MAX_WAIT" default:"30s"`
	// Секрет; для ollama не нужен
	AIAPIKey string `ignored:"true"`

	// Промпт
	PromptEventWindow int `envconfig:"PROMPT_EVENT_WINDOW" default:"20"`
	PromptMaxTokens   int `envconfig:"PROMPT_MAX_TOKENS" default:"6000"`
	PromptMaxActions  int `envconfig:"PROMPT_MAX_ACTIONS" default:"8"`

	// Движок
	EngineQueueCapacity int           `envconfig:"ENGINE_QUEUE_CAPACITY" default:"16"`
	EngineIdleTimeout   time.Duration `envconfig:"ENGINE_IDLE_TIMEOUT" default:"5m"`
	EngineTurnRetention time.Duration `envconfig:"ENGINE_TURN_RETENTION" default:"30m"`
	TurnWaitTimeout     time.Duration `envconfig:"TURN_WAIT_TIMEOUT" default:"90s"`
	SyncMaxRetries      int           `envconfig:"SYNC_MAX_RETRIES" default:"5"`

	// Хаб
	HubSubscriberQueue int `envconfig:"HUB_SUBSCRIBER_QUEUE" default:"256"`
	HubPendingLimit    int `envconfig:"HUB_PENDING_LIMIT" default:"1024"`
	HubReplayPageSize  int `envconfig:"HUB_REPLAY_PAGE_SIZE" default:"200"`

	// Аутентификация. Пустой секрет отключает проверку токена.
	JWTSecret string `ignored:"true"`
}

// GetDSN возвращает строку подключения (DSN) для PostgreSQL.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// MaskedDSN DSN без пароля для логов.
func (c *Config) MaskedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// LoadConfig загружает конфигурацию из переменных окружения и секретов.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load narrative-server config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)

	var err error
	if cfg.StoreDriver == StoreDriverPostgres {
		if cfg.DBPassword, err = ReadSecret("db_password", "DB_PASSWORD"); err != nil {
			return nil, err
		}
	}
	if cfg.RedisAddr != "" {
		if cfg.RedisPassword, err = optionalSecret("redis_password", "REDIS_PASSWORD"); err != nil {
			return nil, err
		}
	}
	if cfg.AIAPIKey, err = optionalSecret("ai_api_key", "AI_API_KEY"); err != nil {
		return nil, err
	}
	if cfg.JWTSecret, err = optionalSecret("jwt_secret", "JWT_SECRET"); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if strings.EqualFold(c.AIClientType, "openai") && c.AIAPIKey == "" {
		return errors.New("ai_api_key is required for the openai client")
	}
	if c.AIConcurrency <= 0 {
		return errors.New("AI_CONCURRENCY must be positive")
	}
	if c.EngineQueueCapacity <= 0 {
		return errors.New("ENGINE_QUEUE_CAPACITY must be positive")
	}
	return nil
}

// Log печатает загруженную конфигурацию без секретов.
func (c *Config) Log(logger *zap.Logger) {
	fields := []zap.Field{
		zap.String("port", c.Port),
		zap.String("logLevel", c.LogLevel),
		zap.String("storeDriver", c.StoreDriver),
		zap.String("aiClientType", c.AIClientType),
		zap.String("aiModel", c.AIModel),
		zap.Duration("aiTimeout", c.AITimeout),
		zap.Int("aiMaxAttempts", c.AIMaxAttempts),
		zap.Int("aiConcurrency", c.AIConcurrency),
		zap.Int("engineQueueCapacity", c.EngineQueueCapacity),
		zap.Int("hubSubscriberQueue", c.HubSubscriberQueue),
		zap.Bool("redisCache", c.RedisAddr != ""),
		zap.Bool("rabbitMQ", c.RabbitMQURL != ""),
		zap.Bool("jwtAuth", c.JWTSecret != ""),
	}
	if c.StoreDriver == StoreDriverPostgres {
		fields = append(fields, zap.String("dbDSN", c.MaskedDSN()))
	}
	logger.Info("Configuration loaded", fields...)
}

// ReadSecret читает секрет из файла Docker Secrets, при отсутствии файла
// берет значение из переменной окружения envKey.
func ReadSecret(secretName, envKey string) (string, error) {
	filePath := fmt.Sprintf("%s/%s", SecretsDir, secretName)
	secretBytes, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && envKey != "" {
			if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
				return v, nil
			}
		}
		return "", fmt.Errorf("failed to read secret file %s: %w", filePath, err)
	}
	secret := strings.TrimSpace(string(secretBytes))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", filePath)
	}
	return secret, nil
}

func optionalSecret(secretName, envKey string) (string, error) {
	v, err := ReadSecret(secretName, envKey)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	return v, err
}
