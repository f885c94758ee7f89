package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is wrapped by every verification failure.
var ErrInvalidToken = errors.New("invalid token")

// Identity is what a verified access token tells us about the caller.
type Identity struct {
	AccountID string
	Username  string
}

// Options are shared by the issuer and the verifier so both sides agree
// on what a valid token looks like.
type Options struct {
	Secret   []byte
	Issuer   string
	Audience string
	MaxAge   time.Duration
}

// Claims is the JWT payload. The account id travels in `sub`.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Issuer struct {
	opts Options
	now  func() time.Time
}

func NewIssuer(opts Options) *Issuer {
	return &Issuer{opts: opts, now: time.Now}
}

// Issue signs an HS256 access token for the identity.
func (i *Issuer) Issue(id Identity) (string, error) {
	now := i.now()
	claims := Claims{
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.AccountID,
			Issuer:    i.opts.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.opts.MaxAge)),
		},
	}
	if i.opts.Audience != "" {
		claims.Audience = jwt.ClaimStrings{i.opts.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString(i.opts.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return ss, nil
}

type Verifier struct {
	opts Options
	now  func() time.Time
}

func NewVerifier(opts Options) *Verifier {
	return &Verifier{opts: opts, now: time.Now}
}

// Verify checks signature, issuer, audience, expiry and max age, and that
// both sub and username are present. It never panics; every failure wraps
// ErrInvalidToken.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	}
	if v.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.opts.Issuer))
	}
	if v.opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.opts.Audience))
	}

	claims := &Claims{}
	token, err := jwt.NewParser(parserOpts...).ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.opts.Secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.IssuedAt == nil {
		return Identity{}, fmt.Errorf("%w: missing iat", ErrInvalidToken)
	}
	if v.opts.MaxAge > 0 && v.now().Sub(claims.IssuedAt.Time) > v.opts.MaxAge {
		return Identity{}, fmt.Errorf("%w: older than max age", ErrInvalidToken)
	}
	if claims.Subject == "" || claims.Username == "" {
		return Identity{}, fmt.Errorf("%w: missing sub or username", ErrInvalidToken)
	}

	return Identity{AccountID: claims.Subject, Username: claims.Username}, nil
}
