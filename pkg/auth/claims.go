package auth

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/genforge-backend/pkg/enums"
)

// CallbackTokenPayload captures what a provider callback URL is allowed to report on.
type CallbackTokenPayload struct {
	JobID    uuid.UUID
	Provider enums.Provider
}

// CallbackClaims is the typed JWT embedded in provider callback URLs.
type CallbackClaims struct {
	JobID    uuid.UUID      `json:"job_id"`
	Provider enums.Provider `json:"provider"`
	jwt.RegisteredClaims
}
