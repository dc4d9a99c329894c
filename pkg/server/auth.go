package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crystal-mush/worldtune/pkg/access"
)

const tokenIssuer = "worldtune"

// Claims holds the JWT claims for a console session. The subject is the
// caller ID.
type Claims struct {
	Level access.Level `json:"level"`
	jwt.RegisteredClaims
}

// Caller returns the access identity carried by the token.
func (c *Claims) Caller() access.Caller {
	return access.Caller{ID: c.Subject, Level: c.Level}
}

// AuthService mints and checks console tokens. Identities come from
// whoever holds the signing secret (tunectl -token); there is no password
// store here.
type AuthService struct {
	jwtKey []byte
	expiry time.Duration
	now    func() time.Time
}

// NewAuthService creates an auth service. If jwtSecret is empty, a random
// 32-byte key is generated and tokens die with the process.
func NewAuthService(jwtSecret string, expirySeconds int) *AuthService {
	var key []byte
	if jwtSecret != "" {
		key = []byte(jwtSecret)
	} else {
		key = make([]byte, 32)
		rand.Read(key)
	}
	expiry := time.Hour
	if expirySeconds > 0 {
		expiry = time.Duration(expirySeconds) * time.Second
	}
	return &AuthService{jwtKey: key, expiry: expiry, now: time.Now}
}

// MintToken signs a token for subject at level.
func (a *AuthService) MintToken(subject string, level access.Level) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("auth: empty subject")
	}
	if !level.Valid() {
		return "", fmt.Errorf("auth: invalid level %d", int(level))
	}
	now := a.now()
	claims := Claims{
		Level: level,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			Issuer:    tokenIssuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtKey)
}

// ValidateToken parses and validates a token string.
func (a *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtKey, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if !claims.Level.Valid() {
		return nil, fmt.Errorf("invalid token level")
	}
	return claims, nil
}

// RefreshToken reissues a valid token with a fresh expiry.
func (a *AuthService) RefreshToken(tokenStr string) (string, error) {
	claims, err := a.ValidateToken(tokenStr)
	if err != nil {
		return "", err
	}
	now := a.now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.expiry))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtKey)
}

// GenerateJWTSecret returns a random hex secret suitable for jwt_secret.
func GenerateJWTSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
