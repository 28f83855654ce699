package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"narrative-server/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// RoleAdmin роль для административных операций над миром (reset, verify).
const RoleAdmin = "admin"

var (
	ErrTokenInvalid   = fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	ErrTokenExpired   = fmt.Errorf("%w: token expired", domain.ErrUnauthorized)
	ErrTokenMalformed = fmt.Errorf("%w: malformed token", domain.ErrUnauthorized)
)

// Claims поля токена. Актор берется из user_id, а при его отсутствии из sub.
type Claims struct {
	UserID string   `json:"user_id,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Actor имя игрока, от которого идут действия.
func (c *Claims) Actor() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// JWTVerifier проверяет HMAC-подписанные JWT токены.
type JWTVerifier struct {
	jwtSecret []byte
	logger    *zap.Logger
}

// NewJWTVerifier создает верификатор. Если логгер nil, используется Noop.
func NewJWTVerifier(jwtSecret string, logger *zap.Logger) (*JWTVerifier, error) {
	if jwtSecret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWTVerifier{
		jwtSecret: []byte(jwtSecret),
		logger:    logger.Named("JWTVerifier"),
	}, nil
}

// VerifyToken проверяет подпись и срок действия, извлекает claims.
func (v *JWTVerifier) VerifyToken(_ context.Context, tokenString string) (*Claims, error) {
	log := v.logger.With(zap.String("tokenSnippet", tokenSnippet(tokenString)))
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			log.Warn("Unexpected signing method", zap.Any("alg", token.Header["alg"]))
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.jwtSecret, nil
	})
	if err != nil {
		log.Warn("Failed to parse or verify token", zap.Error(err))
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrTokenMalformed
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Actor() == "" {
		log.Warn("Token has neither user_id nor sub")
		return nil, fmt.Errorf("%w: actor missing", ErrTokenInvalid)
	}

	log.Debug("Token verified", zap.String("actor", claims.Actor()), zap.Strings("roles", claims.Roles))
	return claims, nil
}

// GenerateToken выпускает токен для актора. Используется тестами и
// служебными клиентами.
func GenerateToken(secret, actor string, roles []string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("JWT secret cannot be empty")
	}
	now := time.Now()
	claims := &Claims{
		UserID: actor,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func tokenSnippet(tokenString string) string {
	limit := 15
	if len(tokenString) > limit {
		return tokenString[:limit] + "..."
	}
	return tokenString
}
