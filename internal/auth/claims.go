package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for the local control API.
// Device invariant: DeviceID must be present and match the device this process owns.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
