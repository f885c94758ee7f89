//go:generate go run go.uber.org/mock/mockgen -source=service.go -destination=../mocks/mock_account_service.go -package=mocks
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/auth"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/events"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	verifyTokenTTL = 24 * time.Hour
	resetTokenTTL  = time.Hour
	searchLimit    = 10
)

var (
	ErrValidation         = errors.New("invalid request")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Publisher is the slice of the event bus the service needs.
type Publisher interface {
	Produce(ctx context.Context, event eventbus.Event) error
}

type TokenIssuer interface {
	Issue(id auth.Identity) (string, error)
}

type Service struct {
	repo      Repository
	tokens    TokenStore
	publisher Publisher
	issuer    TokenIssuer
	validate  *validator.Validate
	log       *zap.Logger
}

func NewService(repo Repository, tokens TokenStore, publisher Publisher, issuer TokenIssuer, log *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		tokens:    tokens,
		publisher: publisher,
		issuer:    issuer,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       log.Named("account"),
	}
}

func (s *Service) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Register creates the account and announces it. The verification email is
// sent by whoever consumes AccountCreated.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	a := &Account{
		ID:           uuid.New(),
		Username:     req.Username,
		Email:        strings.ToLower(req.Email),
		PasswordHash: hash,
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	if err := s.tokens.Save(ctx, PurposeVerifyEmail, token, a.ID, verifyTokenTTL); err != nil {
		return nil, err
	}

	// The account exists either way; a lost event only costs the email.
	if err := s.publisher.Produce(ctx, events.AccountCreated{
		AccountID:         a.ID.String(),
		AccountName:       a.Username,
		AccountEmail:      a.Email,
		EmailVerified:     a.EmailVerified,
		VerificationToken: token,
	}); err != nil {
		s.log.Error("failed to publish AccountCreated", zap.String("account_id", a.ID.String()), zap.Error(err))
	}

	return &RegisterResponse{ID: a.ID.String(), Username: a.Username, Email: a.Email}, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}

	a, err := s.repo.GetByUsername(ctx, req.Username)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	ok, err := auth.ComparePassword(req.Password, a.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	ss, err := s.issuer.Issue(auth.Identity{AccountID: a.ID.String(), Username: a.Username})
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          a.ID.String(),
		Username:    a.Username,
	}, nil
}

// RequestPasswordReset is silent about unknown addresses.
func (s *Service) RequestPasswordReset(ctx context.Context, req *ForgotPasswordRequest) error {
	if err := s.check(req); err != nil {
		return err
	}

	a, err := s.repo.GetByEmail(ctx, req.Email)
	if errors.Is(err, ErrNotFound) {
		s.log.Debug("password reset for unknown email")
		return nil
	}
	if err != nil {
		return err
	}

	token := uuid.NewString()
	if err := s.tokens.Save(ctx, PurposeResetPassword, token, a.ID, resetTokenTTL); err != nil {
		return err
	}

	return s.publisher.Produce(ctx, events.RequestResetPassword{
		AccountID:    a.ID.String(),
		AccountName:  a.Username,
		AccountEmail: a.Email,
		Token:        token,
	})
}

func (s *Service) ResetPassword(ctx context.Context, req *ResetPasswordRequest) error {
	if err := s.check(req); err != nil {
		return err
	}

	id, err := s.consume(ctx, PurposeResetPassword, req.Token)
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return err
	}
	return s.repo.UpdatePassword(ctx, id, hash)
}

func (s *Service) VerifyEmail(ctx context.Context, req *VerifyEmailRequest) error {
	if err := s.check(req); err != nil {
		return err
	}

	id, err := s.consume(ctx, PurposeVerifyEmail, req.Token)
	if err != nil {
		return err
	}
	return s.repo.MarkEmailVerified(ctx, id)
}

func (s *Service) consume(ctx context.Context, purpose Purpose, token string) (uuid.UUID, error) {
	id, err := s.tokens.Consume(ctx, purpose, token)
	if errors.Is(err, ErrTokenNotFound) {
		return uuid.Nil, ErrInvalidToken
	}
	return id, err
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]UserSummary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []UserSummary{}, nil
	}

	accounts, err := s.repo.Search(ctx, query, searchLimit)
	if err != nil {
		return nil, err
	}

	users := make([]UserSummary, 0, len(accounts))
	for _, a := range accounts {
		users = append(users, UserSummary{ID: a.ID.String(), Username: a.Username})
	}
	return users, nil
}
