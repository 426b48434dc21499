package controllersim

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrBadCredentials is returned by Login for an unknown user or wrong password
var ErrBadCredentials = errors.New("invalid username or password")

// JWTClaims represents the JWT token claims
type JWTClaims struct {
	User string `json:"user"`
	jwt.RegisteredClaims
}

// JWTAuth issues and validates bearer tokens for the simulator's users
type JWTAuth struct {
	secretKey []byte
	users     map[string]string
	ttl       time.Duration
}

// NewJWTAuth creates a JWT authenticator. users maps user names to passwords.
func NewJWTAuth(secretKey string, users map[string]string, ttl time.Duration) *JWTAuth {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	copied := make(map[string]string, len(users))
	for u, p := range users {
		copied[u] = p
	}
	return &JWTAuth{
		secretKey: []byte(secretKey),
		users:     copied,
		ttl:       ttl,
	}
}

// Login checks the credentials and returns a signed token
func (j *JWTAuth) Login(user, password string) (string, time.Time, error) {
	want, ok := j.users[user]
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return "", time.Time{}, ErrBadCredentials
	}
	return j.GenerateToken(user)
}

// GenerateToken creates a new JWT token for user
func (j *JWTAuth) GenerateToken(user string) (string, time.Time, error) {
	if user == "" {
		return "", time.Time{}, errors.New("user cannot be empty")
	}

	now := time.Now()
	expiresAt := now.Add(j.ttl)

	claims := JWTClaims{
		User: user,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims. A "Bearer "
// prefix is accepted.
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}
