package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/issue-tracker/internal/domain"
	apperrors "github.com/spec-kit/issue-tracker/pkg/util/errorutil"
)

const principalKey = "auth_principal"

// Verifier turns a bearer token into a principal.
type Verifier interface {
	Verify(token string) (domain.Principal, error)
}

// AuthMiddleware validates bearer tokens and stores the principal on the
// request. It does not touch the store.
type AuthMiddleware struct {
	verifier Verifier
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(verifier Verifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Handle enforces authentication for protected routes.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	authHeader := c.Get(fiber.HeaderAuthorization)
	if authHeader == "" {
		return apperrors.NewUnauthorized("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return apperrors.NewUnauthorized("invalid authorization header")
	}

	principal, err := m.verifier.Verify(strings.TrimSpace(parts[1]))
	if err != nil {
		return err
	}

	c.Locals(principalKey, principal)
	return c.Next()
}

// PrincipalFromContext retrieves the authenticated caller.
func PrincipalFromContext(c *fiber.Ctx) (domain.Principal, bool) {
	principal, ok := c.Locals(principalKey).(domain.Principal)
	return principal, ok
}

// MustPrincipal returns the caller or an unauthenticated error.
func MustPrincipal(c *fiber.Ctx) (domain.Principal, error) {
	principal, ok := PrincipalFromContext(c)
	if !ok {
		return domain.Principal{}, apperrors.NewUnauthorized("authentication required")
	}
	return principal, nil
}
