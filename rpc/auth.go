package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"coffer/crypto"
)

// Roles carried in token claims, ordered by privilege. An admin token passes
// operator and client gates; client methods additionally act on the token
// subject, so a higher role cannot touch another owner's position.
const (
	RoleClient   = "client"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

const defaultClockSkew = 2 * time.Minute

// AuthConfig carries the bearer-token verification settings. Issuer and
// audience are enforced only when set.
type AuthConfig struct {
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Identity is the verified caller extracted from a bearer token.
type Identity struct {
	Address [20]byte
	Role    string
}

// Allows reports whether the identity's role covers the required one.
func (i *Identity) Allows(required string) bool {
	if i == nil {
		return false
	}
	have := roleRank(i.Role)
	want := roleRank(required)
	return want > 0 && have >= want
}

func roleRank(role string) int {
	switch role {
	case RoleClient:
		return 1
	case RoleOperator:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

type authenticator struct {
	secret    []byte
	issuer    string
	audience  string
	clockSkew time.Duration
}

func newAuthenticator(cfg AuthConfig) *authenticator {
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = defaultClockSkew
	}
	return &authenticator{
		secret:    []byte(strings.TrimSpace(cfg.Secret)),
		issuer:    strings.TrimSpace(cfg.Issuer),
		audience:  strings.TrimSpace(cfg.Audience),
		clockSkew: skew,
	}
}

// authenticate verifies the Authorization header and returns the caller
// identity. Tokens must be HS256, carry an expiry, and name a decodable
// bech32 subject plus a known role.
func (a *authenticator) authenticate(r *http.Request) (*Identity, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("rpc auth secret not configured")
	}
	tokenString, err := extractBearer(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.clockSkew), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("unexpected token claims")
	}
	if err := a.validateClaims(claims); err != nil {
		return nil, err
	}
	subject, _ := claims["sub"].(string)
	addr, err := crypto.DecodeAddress(strings.TrimSpace(subject))
	if err != nil {
		return nil, fmt.Errorf("invalid token subject: %w", err)
	}
	role, _ := claims["role"].(string)
	if roleRank(role) == 0 {
		return nil, fmt.Errorf("unknown token role %q", role)
	}
	return &Identity{Address: addr.Array(), Role: role}, nil
}

func (a *authenticator) validateClaims(claims jwt.MapClaims) error {
	if a.issuer != "" {
		issuer, _ := claims["iss"].(string)
		if issuer != a.issuer {
			return errors.New("invalid token issuer")
		}
	}
	if a.audience != "" && !audienceMatches(claims["aud"], a.audience) {
		return errors.New("invalid token audience")
	}
	return nil
}

func audienceMatches(claim interface{}, expected string) bool {
	switch audience := claim.(type) {
	case string:
		return audience == expected
	case []interface{}:
		for _, entry := range audience {
			if value, ok := entry.(string); ok && value == expected {
				return true
			}
		}
	case []string:
		for _, value := range audience {
			if value == expected {
				return true
			}
		}
	}
	return false
}

func extractBearer(header string) (string, error) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(strings.TrimSpace(parts[0]), "Bearer") {
		return "", errors.New("authorization header must use the Bearer scheme")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("bearer token required")
	}
	return token, nil
}

// MintToken signs an HS256 bearer token binding a bech32 subject to a role.
// cofferctl issues credentials with it; tests use it to exercise the gates.
func MintToken(cfg AuthConfig, subject, role string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(cfg.Secret) == "" {
		return "", errors.New("auth secret required")
	}
	if roleRank(role) == 0 {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if _, err := crypto.DecodeAddress(strings.TrimSpace(subject)); err != nil {
		return "", fmt.Errorf("invalid subject: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":  strings.TrimSpace(subject),
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		claims["iss"] = issuer
	}
	if audience := strings.TrimSpace(cfg.Audience); audience != "" {
		claims["aud"] = audience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(strings.TrimSpace(cfg.Secret)))
}
