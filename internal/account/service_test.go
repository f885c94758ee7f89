package account_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatrelay/internal/account"
	"chatrelay/internal/auth"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/events"
	"chatrelay/internal/mocks"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
)

type fixture struct {
	repo      *mocks.MockRepository
	tokens    *mocks.MockTokenStore
	publisher *mocks.MockPublisher
	issuer    *mocks.MockTokenIssuer
	svc       *account.Service
}

func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	f := &fixture{
		repo:      mocks.NewMockRepository(ctrl),
		tokens:    mocks.NewMockTokenStore(ctrl),
		publisher: mocks.NewMockPublisher(ctrl),
		issuer:    mocks.NewMockTokenIssuer(ctrl),
	}
	f.svc = account.NewService(f.repo, f.tokens, f.publisher, f.issuer, zap.NewNop())
	return f
}

func existing(t *testing.T, password string) *account.Account {
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	return &account.Account{
		ID:           uuid.New(),
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: hash,
	}
}

func TestService_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes an unverified AccountCreated", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)

		var created *account.Account
		var savedToken string
		var published eventbus.Event

		f.repo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, a *account.Account) error {
			created = a
			return nil
		})
		f.tokens.EXPECT().Save(gomock.Any(), account.PurposeVerifyEmail, gomock.Any(), gomock.Any(), 24*time.Hour).
			DoAndReturn(func(_ context.Context, _ account.Purpose, token string, id uuid.UUID, _ time.Duration) error {
				savedToken = token
				req.Equal(created.ID, id)
				return nil
			})
		f.publisher.EXPECT().Produce(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ev eventbus.Event) error {
			published = ev
			return nil
		})

		res, err := f.svc.Register(ctx, &account.RegisterRequest{Username: "alice", Email: "Alice@Example.com", Password: "correct horse"})
		req.NoError(err)
		req.Equal(created.ID.String(), res.ID)
		req.Equal("alice@example.com", created.Email)

		ok, err := auth.ComparePassword("correct horse", created.PasswordHash)
		req.NoError(err)
		req.True(ok)

		ev, isCreated := published.(events.AccountCreated)
		req.True(isCreated)
		req.False(ev.EmailVerified)
		req.Equal(savedToken, ev.VerificationToken)
		req.Equal(res.ID, ev.AccountID)
		req.Equal("alice@example.com", ev.AccountEmail)
	})

	t.Run("conflict", func(t *testing.T) {
		f := newFixture(t)
		f.repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(account.ErrConflict)

		_, err := f.svc.Register(ctx, &account.RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "correct horse"})
		require.ErrorIs(t, err, account.ErrConflict)
	})

	t.Run("invalid request never reaches the repository", func(t *testing.T) {
		f := newFixture(t)
		for _, r := range []account.RegisterRequest{
			{Username: "alice", Email: "alice@example.com", Password: "short"},
			{Username: "alice", Email: "not-an-email", Password: "correct horse"},
			{Username: "a!", Email: "alice@example.com", Password: "correct horse"},
		} {
			_, err := f.svc.Register(ctx, &r)
			require.ErrorIs(t, err, account.ErrValidation)
		}
	})

	t.Run("publish failure still registers", func(t *testing.T) {
		f := newFixture(t)
		f.repo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)
		f.tokens.EXPECT().Save(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
		f.publisher.EXPECT().Produce(gomock.Any(), gomock.Any()).Return(eventbus.ErrNotConnected)

		_, err := f.svc.Register(ctx, &account.RegisterRequest{Username: "alice", Email: "alice@example.com", Password: "correct horse"})
		require.NoError(t, err)
	})
}

func TestService_Login(t *testing.T) {
	ctx := context.Background()
	a := existing(t, "correct horse")

	t.Run("issues a token", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)
		f.repo.EXPECT().GetByUsername(gomock.Any(), "alice").Return(a, nil)
		f.issuer.EXPECT().Issue(auth.Identity{AccountID: a.ID.String(), Username: "alice"}).Return("signed", nil)

		res, err := f.svc.Login(ctx, &account.LoginRequest{Username: "alice", Password: "correct horse"})
		req.NoError(err)
		req.Equal("signed", res.AccessToken)
		req.Equal(a.ID.String(), res.ID)
	})

	t.Run("wrong password", func(t *testing.T) {
		f := newFixture(t)
		f.repo.EXPECT().GetByUsername(gomock.Any(), "alice").Return(a, nil)

		_, err := f.svc.Login(ctx, &account.LoginRequest{Username: "alice", Password: "battery staple"})
		require.ErrorIs(t, err, account.ErrInvalidCredentials)
	})

	t.Run("unknown user", func(t *testing.T) {
		f := newFixture(t)
		f.repo.EXPECT().GetByUsername(gomock.Any(), "bob").Return(nil, account.ErrNotFound)

		_, err := f.svc.Login(ctx, &account.LoginRequest{Username: "bob", Password: "correct horse"})
		require.ErrorIs(t, err, account.ErrInvalidCredentials)
	})
}

func TestService_PasswordReset(t *testing.T) {
	ctx := context.Background()
	a := existing(t, "correct horse")

	t.Run("unknown email is silent", func(t *testing.T) {
		f := newFixture(t)
		f.repo.EXPECT().GetByEmail(gomock.Any(), "nobody@example.com").Return(nil, account.ErrNotFound)

		require.NoError(t, f.svc.RequestPasswordReset(ctx, &account.ForgotPasswordRequest{Email: "nobody@example.com"}))
	})

	t.Run("known email publishes the token", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)
		var savedToken string

		f.repo.EXPECT().GetByEmail(gomock.Any(), a.Email).Return(a, nil)
		f.tokens.EXPECT().Save(gomock.Any(), account.PurposeResetPassword, gomock.Any(), a.ID, time.Hour).
			DoAndReturn(func(_ context.Context, _ account.Purpose, token string, _ uuid.UUID, _ time.Duration) error {
				savedToken = token
				return nil
			})
		f.publisher.EXPECT().Produce(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, ev eventbus.Event) error {
			reset, ok := ev.(events.RequestResetPassword)
			req.True(ok)
			req.Equal(savedToken, reset.Token)
			req.Equal(a.Email, reset.AccountEmail)
			return nil
		})

		req.NoError(f.svc.RequestPasswordReset(ctx, &account.ForgotPasswordRequest{Email: a.Email}))
	})

	t.Run("reset consumes the token", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)
		f.tokens.EXPECT().Consume(gomock.Any(), account.PurposeResetPassword, "tok").Return(a.ID, nil)
		f.repo.EXPECT().UpdatePassword(gomock.Any(), a.ID, gomock.Any()).DoAndReturn(func(_ context.Context, _ uuid.UUID, hash string) error {
			ok, err := auth.ComparePassword("battery staple", hash)
			req.NoError(err)
			req.True(ok)
			return nil
		})

		req.NoError(f.svc.ResetPassword(ctx, &account.ResetPasswordRequest{Token: "tok", Password: "battery staple"}))
	})

	t.Run("unknown token", func(t *testing.T) {
		f := newFixture(t)
		f.tokens.EXPECT().Consume(gomock.Any(), account.PurposeResetPassword, "tok").Return(uuid.Nil, account.ErrTokenNotFound)

		err := f.svc.ResetPassword(ctx, &account.ResetPasswordRequest{Token: "tok", Password: "battery staple"})
		require.ErrorIs(t, err, account.ErrInvalidToken)
	})
}

func TestService_VerifyEmail(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()

	f := newFixture(t)
	f.tokens.EXPECT().Consume(gomock.Any(), account.PurposeVerifyEmail, "tok").Return(id, nil)
	f.repo.EXPECT().MarkEmailVerified(gomock.Any(), id).Return(nil)
	require.NoError(t, f.svc.VerifyEmail(ctx, &account.VerifyEmailRequest{Token: "tok"}))

	f = newFixture(t)
	storeDown := errors.New("redis down")
	f.tokens.EXPECT().Consume(gomock.Any(), account.PurposeVerifyEmail, "tok").Return(uuid.Nil, storeDown)
	require.ErrorIs(t, f.svc.VerifyEmail(ctx, &account.VerifyEmailRequest{Token: "tok"}), storeDown)
}

func TestService_SearchUsers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	id := uuid.New()
	f.repo.EXPECT().Search(gomock.Any(), "ali", 10).Return([]account.Account{{ID: id, Username: "alice"}}, nil)

	users, err := f.svc.SearchUsers(context.Background(), " ali ")
	req.NoError(err)
	req.Equal([]account.UserSummary{{ID: id.String(), Username: "alice"}}, users)

	users, err = f.svc.SearchUsers(context.Background(), "  ")
	req.NoError(err)
	req.Empty(users)
}
