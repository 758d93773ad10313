package websocket

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/kysua/chat-server/config"
)

// Claims is the JWT payload accepted at the handshake. The 'jti' (JWT ID)
// from RegisteredClaims is what the revocation list is keyed on.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTValidator checks handshake tokens: signature, standard claims, and the
// revocation list in Redis.
type JWTValidator struct {
	cfg         *config.AuthConfig
	redisClient *redis.Client
	log         *zap.Logger
}

// NewJWTValidator creates a new JWT validator.
func NewJWTValidator(cfg *config.AuthConfig, redisClient *redis.Client, log *zap.Logger) *JWTValidator {
	return &JWTValidator{
		cfg:         cfg,
		redisClient: redisClient,
		log:         log,
	}
}

// ValidateToken parses and validates a JWT string, including expiry and
// revocation.
func (v *JWTValidator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.cfg.JWTSecret), nil
	})
	if err != nil {
		// Covers parse errors, bad signatures and expired tokens alike.
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}

	revoked, err := v.isTokenRevoked(ctx, claims.ID)
	if err != nil {
		// A Redis outage must not lock every user out; log and continue.
		v.log.Error("failed to check token revocation status", zap.Error(err))
	}
	if revoked {
		return nil, fmt.Errorf("token has been revoked")
	}
	return claims, nil
}

// isTokenRevoked checks whether a token id (JTI) is on the Redis revocation
// list.
func (v *JWTValidator) isTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if v.redisClient == nil || jti == "" {
		if jti == "" {
			v.log.Warn("token missing 'jti' claim, cannot check revocation")
		}
		return false, nil
	}

	key := fmt.Sprintf("%s:%s", v.cfg.RevocationListKey, jti)
	exists, err := v.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis command failed: %w", err)
	}
	return exists == 1, nil
}
