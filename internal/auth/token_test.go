package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testOpts = Options{
	Secret:   []byte("0123456789abcdef0123456789abcdef"),
	Issuer:   "chatrelay",
	Audience: "chatrelay-clients",
	MaxAge:   time.Hour,
}

func issuedAt(opts Options, at time.Time) *Issuer {
	i := NewIssuer(opts)
	i.now = func() time.Time { return at }
	return i
}

func sign(t *testing.T, method jwt.SigningMethod, claims jwt.Claims, secret []byte) string {
	t.Helper()
	ss, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	require.NoError(t, err)
	return ss
}

func TestVerifier_Verify(t *testing.T) {
	alice := Identity{AccountID: "3f2a6c1e-8d5b-4d9e-9a51-2b7f0c9e4d10", Username: "alice"}
	verifier := NewVerifier(testOpts)

	t.Run("valid token round trips the identity", func(t *testing.T) {
		req := require.New(t)
		token, err := NewIssuer(testOpts).Issue(alice)
		req.NoError(err)

		id, err := verifier.Verify(token)
		req.NoError(err)
		req.Equal(alice, id)
	})

	now := time.Now()
	validClaims := func() Claims {
		return Claims{
			Username: "alice",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   alice.AccountID,
				Issuer:    testOpts.Issuer,
				Audience:  jwt.ClaimStrings{testOpts.Audience},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			},
		}
	}

	cases := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"empty", func(t *testing.T) string { return "" }},
		{"garbage", func(t *testing.T) string { return "garbage" }},
		{"wrong secret", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodHS256, validClaims(), []byte("another-secret-another-secret!!"))
		}},
		{"unexpected algorithm", func(t *testing.T) string {
			return sign(t, jwt.SigningMethodHS512, validClaims(), testOpts.Secret)
		}},
		{"wrong issuer", func(t *testing.T) string {
			c := validClaims()
			c.Issuer = "someone-else"
			return sign(t, jwt.SigningMethodHS256, c, testOpts.Secret)
		}},
		{"wrong audience", func(t *testing.T) string {
			c := validClaims()
			c.Audience = jwt.ClaimStrings{"admin-console"}
			return sign(t, jwt.SigningMethodHS256, c, testOpts.Secret)
		}},
		{"expired", func(t *testing.T) string {
			token, err := issuedAt(testOpts, now.Add(-2*time.Hour)).Issue(alice)
			require.NoError(t, err)
			return token
		}},
		{"older than max age", func(t *testing.T) string {
			long := testOpts
			long.MaxAge = 72 * time.Hour
			token, err := issuedAt(long, now.Add(-2*time.Hour)).Issue(alice)
			require.NoError(t, err)
			return token
		}},
		{"missing expiry", func(t *testing.T) string {
			c := validClaims()
			c.ExpiresAt = nil
			return sign(t, jwt.SigningMethodHS256, c, testOpts.Secret)
		}},
		{"missing username", func(t *testing.T) string {
			c := validClaims()
			c.Username = ""
			return sign(t, jwt.SigningMethodHS256, c, testOpts.Secret)
		}},
		{"missing subject", func(t *testing.T) string {
			c := validClaims()
			c.Subject = ""
			return sign(t, jwt.SigningMethodHS256, c, testOpts.Secret)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := verifier.Verify(tc.token(t))
			require.ErrorIs(t, err, ErrInvalidToken)
			require.Empty(t, id)
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		header string
		want   string
	}{
		{"bearer header", "/ws", "Bearer abc.def.ghi", "abc.def.ghi"},
		{"lowercase scheme", "/ws", "bearer abc", "abc"},
		{"query fallback", "/ws?token=xyz", "", "xyz"},
		{"header wins over query", "/ws?token=xyz", "Bearer abc", "abc"},
		{"other scheme", "/ws?token=xyz", "Basic dXNlcjpwYXNz", ""},
		{"nothing", "/ws", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			require.Equal(t, tt.want, TokenFromRequest(r))
		})
	}
}

func TestPassword(t *testing.T) {
	req := require.New(t)

	hash, err := HashPassword("correct horse battery staple")
	req.NoError(err)
	req.NotEqual("correct horse battery staple", hash)

	ok, err := ComparePassword("correct horse battery staple", hash)
	req.NoError(err)
	req.True(ok)

	ok, err = ComparePassword("Tr0ub4dor&3", hash)
	req.NoError(err)
	req.False(ok)
}
