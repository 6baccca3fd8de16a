package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/issue-tracker/internal/auth"
	"github.com/spec-kit/issue-tracker/internal/domain"
	"github.com/spec-kit/issue-tracker/internal/policy"
	"github.com/spec-kit/issue-tracker/internal/repository"
	apperrors "github.com/spec-kit/issue-tracker/pkg/util/errorutil"
)

// invalidCredentials is the message for every login failure, unknown email
// and wrong password alike.
const invalidCredentials = "invalid credentials"

// PasswordHasher is the one-way salted hashing primitive.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hashed, plain string) error
}

// AuthService coordinates registration, login and token verification.
type AuthService struct {
	users  repository.UserRepository
	hasher PasswordHasher
	tokens *auth.TokenManager
	logger *zap.Logger

	dummyOnce sync.Once
	dummyHash string
}

// AuthDependencies encapsulates requirements for the auth service.
type AuthDependencies struct {
	UserRepo repository.UserRepository
	Hasher   PasswordHasher
	Tokens   *auth.TokenManager
	Logger   *zap.Logger
}

// AuthResult is returned by register and login.
type AuthResult struct {
	User      *domain.User
	Token     string
	ExpiresAt time.Time
}

// NewAuthService builds the service.
func NewAuthService(deps AuthDependencies) *AuthService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthService{
		users:  deps.UserRepo,
		hasher: deps.Hasher,
		tokens: deps.Tokens,
		logger: logger,
	}
}

// Register creates a new account and signs the caller in.
func (s *AuthService) Register(ctx context.Context, name, email, password, role string) (*AuthResult, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" || email == "" || password == "" {
		return nil, apperrors.NewValidationError("name, email, password required", nil)
	}
	if !strings.Contains(email, "@") {
		return nil, apperrors.NewValidationError("invalid email", map[string]any{"field": "email"})
	}
	parsedRole, err := domain.ParseRole(strings.TrimSpace(role))
	if err != nil {
		return nil, enumValidationError(err)
	}

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, apperrors.NewConflict("email already registered", nil)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewInternalError(err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	user := &domain.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         parsedRole,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, apperrors.NewConflict("email already registered", nil)
		}
		return nil, apperrors.NewInternalError(err)
	}
	s.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("role", string(user.Role)))

	return s.issue(user)
}

// Login authenticates a user by email and password.
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperrors.NewValidationError("email and password required", nil)
	}

	user, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		// unknown emails take as long as wrong passwords
		_ = s.hasher.Compare(s.dummy(), password)
		return nil, apperrors.NewUnauthorized(invalidCredentials)
	}
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		return nil, apperrors.NewUnauthorized(invalidCredentials)
	}
	return s.issue(user)
}

// Verify checks a session token and returns the caller it names.
func (s *AuthService) Verify(token string) (domain.Principal, error) {
	principal, err := s.tokens.ParseToken(token)
	if err != nil {
		s.logger.Debug("token rejected", zap.Error(err))
		return domain.Principal{}, apperrors.NewUnauthorized("invalid or expired token")
	}
	return principal, nil
}

// ListUsers returns the user directory for roles that assign tickets.
func (s *AuthService) ListUsers(ctx context.Context, principal domain.Principal) ([]domain.UserSummary, error) {
	if !policy.CanListUsers(principal) {
		return nil, apperrors.NewForbidden("not authorized to list users")
	}
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	summaries := make([]domain.UserSummary, 0, len(users))
	for i := range users {
		summaries = append(summaries, users[i].Summary())
	}
	return summaries, nil
}

func (s *AuthService) issue(user *domain.User) (*AuthResult, error) {
	token, exp, err := s.tokens.GenerateToken(user.ID, user.Role)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return &AuthResult{User: user, Token: token, ExpiresAt: exp}, nil
}

func (s *AuthService) dummy() string {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash(uuid.NewString())
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func enumValidationError(err error) error {
	var enumErr *domain.EnumError
	if errors.As(err, &enumErr) {
		return apperrors.NewValidationError(enumErr.Error(), map[string]any{
			"field":   enumErr.Field,
			"allowed": enumErr.Allowed,
		})
	}
	return apperrors.NewValidationError(err.Error(), nil)
}
