package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/adforge/api/internal/auth"
	"github.com/adforge/api/pkg/response"
)

// AuthMiddleware authenticates bearer tokens, trying Zitadel JWKS first and
// falling back to HS256 tokens signed with the shared secret.
type AuthMiddleware struct {
	verifier  auth.TokenVerifier
	jwtSecret string
}

// NewAuthMiddleware accepts either or both verifiers. A nil verifier with an
// empty secret rejects every request.
func NewAuthMiddleware(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// Authenticate validates JWT token from Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, ok := bearerToken(c)
		if !ok {
			return response.Unauthorized(c, "Missing or invalid authorization header")
		}

		if m.verifier != nil {
			claims, err := m.verifier.Validate(tokenString)
			if err == nil {
				setIdentity(c, claims.UserID, claims.Email, claims.Name)
				return c.Next()
			}
			if m.jwtSecret == "" {
				return response.Unauthorized(c, "Invalid or expired token")
			}
		}

		if m.jwtSecret != "" {
			claims, err := auth.ValidateLegacyToken(tokenString, m.jwtSecret)
			if err != nil {
				return response.Unauthorized(c, "Invalid or expired token")
			}
			setIdentity(c, claims.UserID, claims.Email, "")
			return c.Next()
		}

		return response.Unauthorized(c, "Authentication not configured")
	}
}

func bearerToken(c *fiber.Ctx) (string, bool) {
	parts := strings.SplitN(c.Get(fiber.HeaderAuthorization), " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func setIdentity(c *fiber.Ctx, userID, email, name string) {
	c.Locals("userId", userID)
	c.Locals("email", email)
	c.Locals("name", name)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
