package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"mailpilot_worker/pkg/apperr"
	"mailpilot_worker/pkg/logger"
)

const tokenBlacklistPrefix = "token:blacklist:"

// TokenBlacklist tracks revoked token ids in Redis.
type TokenBlacklist struct {
	redis *redis.Client
}

// NewTokenBlacklist returns nil for a nil client; a nil blacklist revokes nothing.
func NewTokenBlacklist(client *redis.Client) *TokenBlacklist {
	if client == nil {
		return nil
	}
	return &TokenBlacklist{redis: client}
}

// Revoke blacklists a token id until it would have expired anyway.
func (b *TokenBlacklist) Revoke(ctx context.Context, tokenID string, expiry time.Duration) error {
	if b == nil {
		return nil
	}
	return b.redis.Set(ctx, tokenBlacklistPrefix+tokenID, "1", expiry).Err()
}

func (b *TokenBlacklist) IsRevoked(ctx context.Context, tokenID string) bool {
	if b == nil {
		return false
	}
	exists, err := b.redis.Exists(ctx, tokenBlacklistPrefix+tokenID).Result()
	if err != nil {
		logger.WithError(err).Warn("token blacklist lookup failed")
		return false
	}
	return exists > 0
}

// JWTAuth validates HS256 bearer tokens and stores the "sub" claim as the
// user id. Health probes are mounted outside the protected group.
func JWTAuth(secret string, blacklist *TokenBlacklist) fiber.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Minute),
	)

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		tokenString := bearerToken(c.Get(fiber.HeaderAuthorization))
		if tokenString == "" {
			return apperr.Unauthorized("missing authorization")
		}
		if len(key) == 0 {
			return apperr.Unauthorized("token verification is not configured")
		}

		claims := jwt.MapClaims{}
		_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil {
			logger.WithError(err).Debug("JWT validation failed")
			return apperr.InvalidToken(fmt.Sprintf("invalid token: %v", err))
		}

		if jti, _ := claims["jti"].(string); jti != "" && blacklist.IsRevoked(c.UserContext(), jti) {
			return apperr.InvalidToken("token has been revoked")
		}

		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			return apperr.InvalidToken("missing subject")
		}

		c.Locals("user_id", sub)
		if email, ok := claims["email"].(string); ok {
			c.Locals("user_email", email)
		}
		return c.Next()
	}
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
