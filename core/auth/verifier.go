package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const supabaseAudience = "authenticated"

// Principal is the verified identity behind a credential.
type Principal struct {
	Subject string
	Email   string
	Role    string
}

// Verifier checks a bearer token and returns who it belongs to.
type Verifier interface {
	Verify(token string) (*Principal, error)
}

// NoopVerifier accepts any non-empty token without inspecting it.
type NoopVerifier struct{}

// Verify implements Verifier.
func (NoopVerifier) Verify(token string) (*Principal, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrUnauthorized
	}
	return &Principal{}, nil
}

// SupabaseVerifier validates HS256 access tokens minted by a Supabase project.
type SupabaseVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

type supabaseClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// NewSupabaseVerifier builds a verifier for the project at projectURL,
// e.g. https://abcd.supabase.co.
func NewSupabaseVerifier(projectURL, secret string) (*SupabaseVerifier, error) {
	if secret == "" {
		return nil, errors.New("supabase jwt secret required")
	}
	issuer, err := SupabaseIssuer(projectURL)
	if err != nil {
		return nil, err
	}
	return &SupabaseVerifier{
		secret: []byte(secret),
		issuer: issuer,
		leeway: 30 * time.Second,
		now:    time.Now,
	}, nil
}

// SupabaseIssuer derives the auth issuer from the first label of the project host.
func SupabaseIssuer(projectURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(projectURL))
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("invalid supabase url %q", projectURL)
	}
	ref, _, _ := strings.Cut(u.Hostname(), ".")
	return "https://" + ref + ".supabase.co/auth/v1", nil
}

// Issuer returns the expected iss claim.
func (v *SupabaseVerifier) Issuer() string { return v.issuer }

// Verify implements Verifier.
func (v *SupabaseVerifier) Verify(token string) (*Principal, error) {
	claims := &supabaseClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(supabaseAudience),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return &Principal{Subject: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}
