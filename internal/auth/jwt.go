package auth

import (
	"errors"
	"fmt"
	"time"

	"crm-voice/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrSecretRequired  = errors.New("auth: JWT_SECRET is required")
	ErrWrongTokenType  = errors.New("auth: wrong token type")
	ErrIncompleteToken = errors.New("auth: token lacks user, device or role")
)

// clockSkew tolerated between the UI host and this device.
const clockSkew = 30 * time.Second

// Manager signs and verifies the HS256 tokens of the local control API.
//
// Rules:
// - Every token names the user and the device it was issued for.
// - Access tokens carry a role; refresh tokens never do.
type Manager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      map[TokenType]time.Duration
	newID    func() string
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrSecretRequired
	}
	return &Manager{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
		ttl: map[TokenType]time.Duration{
			TokenTypeAccess:  cfg.AccessTokenTTL,
			TokenTypeRefresh: cfg.RefreshTokenTTL,
		},
		newID: uuid.NewString,
	}, nil
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IssuePair starts a device session for userID acting as role.
func (m *Manager) IssuePair(now time.Time, userID, deviceID, role string) (TokenPair, error) {
	access, err := m.sign(now, Claims{UserID: userID, DeviceID: deviceID, Role: role, TokenType: TokenTypeAccess})
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: sign access token: %w", err)
	}
	refresh, err := m.sign(now, Claims{UserID: userID, DeviceID: deviceID, TokenType: TokenTypeRefresh})
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: sign refresh token: %w", err)
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh exchanges a valid refresh token for a new pair carrying role.
// The session stays bound to the refresh token's user and device.
func (m *Manager) Refresh(refreshToken, role string, now time.Time) (TokenPair, error) {
	claims, err := m.Verify(refreshToken, TokenTypeRefresh, now)
	if err != nil {
		return TokenPair{}, err
	}
	return m.IssuePair(now, claims.UserID, claims.DeviceID, role)
}

// Verify parses tokenString as of now and checks it is a complete token of type want.
func (m *Manager) Verify(tokenString string, want TokenType, now time.Time) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	var claims Claims
	if _, err := jwt.ParseWithClaims(tokenString, &claims, m.key, opts...); err != nil {
		return Claims{}, err
	}
	if claims.TokenType != want {
		return Claims{}, fmt.Errorf("%w: got %q, want %q", ErrWrongTokenType, claims.TokenType, want)
	}
	if claims.UserID == "" || claims.DeviceID == "" || (want == TokenTypeAccess && claims.Role == "") {
		return Claims{}, ErrIncompleteToken
	}
	return claims, nil
}

func (m *Manager) key(*jwt.Token) (any, error) { return m.secret, nil }

func (m *Manager) sign(now time.Time, c Claims) (string, error) {
	c.RegisteredClaims = jwt.RegisteredClaims{
		ID:        m.newID(),
		Issuer:    m.issuer,
		Subject:   c.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl[c.TokenType])),
	}
	if m.audience != "" {
		c.Audience = jwt.ClaimStrings{m.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
}
