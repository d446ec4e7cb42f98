package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/genforge-backend/pkg/config"
)

var jwtSigningMethod = jwt.SigningMethodHS256

var errSecretRequired = errors.New("callback secret is required")

// MintCallbackToken issues a signed JWT scoped to one job and provider.
func MintCallbackToken(cfg config.CallbackConfig, now time.Time, payload CallbackTokenPayload) (string, error) {
	if cfg.Secret == "" {
		return "", errSecretRequired
	}
	if cfg.Issuer == "" {
		return "", fmt.Errorf("callback issuer is required")
	}
	if cfg.TokenTTL <= 0 {
		return "", fmt.Errorf("callback token ttl must be positive")
	}
	if payload.JobID == uuid.Nil {
		return "", fmt.Errorf("job id is required")
	}
	if !payload.Provider.IsValid() {
		return "", fmt.Errorf("invalid provider %q", payload.Provider)
	}

	claims := CallbackClaims{
		JobID:    payload.JobID,
		Provider: payload.Provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   payload.JobID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TokenTTL)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwtSigningMethod, claims)
	signed, err := token.SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

// ParseCallbackToken validates the JWT string and returns typed claims.
func ParseCallbackToken(cfg config.CallbackConfig, tokenString string) (*CallbackClaims, error) {
	if cfg.Secret == "" {
		return nil, errSecretRequired
	}

	claims := &CallbackClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwtSigningMethod {
				return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
			}
			return []byte(cfg.Secret), nil
		},
		jwt.WithValidMethods([]string{jwtSigningMethod.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.JobID == uuid.Nil {
		return nil, fmt.Errorf("callback token missing job id")
	}
	return claims, nil
}
