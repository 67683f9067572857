package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	accessTokenType  = "access"
	refreshTokenType = "refresh"

	defaultAccessTTL  = 30 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

type ValidationMode int

const (
	// ValidationStrict rejects any token whose signature or expiry fails
	// verification.
	ValidationStrict ValidationMode = iota

	// ValidationLenient falls back to reading unverified claims when
	// verification fails, still enforcing the embedded token type. It
	// tolerates signing keys that change between restarts in local
	// setups, at the cost of the guarantee that a decoded token was
	// issued by this service. It must stay off in production.
	ValidationLenient
)

func ParseValidationMode(s string) ValidationMode {
	if strings.EqualFold(strings.TrimSpace(s), "lenient") {
		return ValidationLenient
	}
	return ValidationStrict
}

func (m ValidationMode) String() string {
	if m == ValidationLenient {
		return "lenient"
	}
	return "strict"
}

type Claims struct {
	jwt.RegisteredClaims
	Username  string `json:"username,omitempty"`
	TokenType string `json:"type"`
}

// TokenCodec issues and validates the two bearer token kinds. Access and
// refresh tokens are signed with disjoint secrets, so neither secret can
// forge the other kind even though both are HS256.
type TokenCodec struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	mode          ValidationMode
}

func NewTokenCodec(accessSecret, refreshSecret string) *TokenCodec {
	return &TokenCodec{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		mode:          ValidationStrict,
	}
}

func (c *TokenCodec) WithTTLs(accessTTL, refreshTTL time.Duration) *TokenCodec {
	if accessTTL != 0 {
		c.accessTTL = accessTTL
	}
	if refreshTTL != 0 {
		c.refreshTTL = refreshTTL
	}
	return c
}

func (c *TokenCodec) WithValidationMode(mode ValidationMode) *TokenCodec {
	c.mode = mode
	return c
}

func (c *TokenCodec) Mode() ValidationMode {
	return c.mode
}

func (c *TokenCodec) AccessTTL() time.Duration {
	return c.accessTTL
}

func (c *TokenCodec) IssueAccess(userID, username string) (string, error) {
	now := time.Now().UTC()
	return c.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.accessTTL)),
		},
		Username:  username,
		TokenType: accessTokenType,
	}, c.accessSecret)
}

func (c *TokenCodec) IssueRefresh(userID string) (string, error) {
	now := time.Now().UTC()
	return c.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.refreshTTL)),
		},
		TokenType: refreshTokenType,
	}, c.refreshSecret)
}

func (c *TokenCodec) sign(claims Claims, secret []byte) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

func (c *TokenCodec) DecodeAccess(token string) (*Claims, error) {
	return c.decode(token, c.accessSecret, accessTokenType)
}

func (c *TokenCodec) DecodeRefresh(token string) (*Claims, error) {
	return c.decode(token, c.refreshSecret, refreshTokenType)
}

func (c *TokenCodec) decode(token string, secret []byte, wantType string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	switch {
	case err == nil && parsed.Valid:
	case c.mode == ValidationLenient:
		// Unverified claims are accepted as-is, expired ones included.
		claims = &Claims{}
		if _, _, uerr := jwt.NewParser().ParseUnverified(token, claims); uerr != nil {
			return nil, ErrUnauthorized
		}
	default:
		return nil, ErrUnauthorized
	}

	// A cryptographically valid token of the wrong kind is still rejected.
	if claims.TokenType != wantType {
		return nil, ErrUnauthorized
	}

	return claims, nil
}
