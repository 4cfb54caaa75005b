package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultTokenTTL はAPIトークンの既定の有効期間。
	DefaultTokenTTL = 48 * time.Hour
	// TokenIssuer はAPIトークンのiss値。
	TokenIssuer = "clikpost"
)

// ErrInvalidToken はAPIトークンの検証に失敗した場合のエラー。
var ErrInvalidToken = errors.New("invalid api token")

// apiClaims はAPIトークンのクレーム。subにユーザーIDを入れる。
type apiClaims struct {
	jwt.RegisteredClaims
}

// TokenManager はHS256署名のAPIトークンを発行・検証する。
// Cookieを使わないクライアントはAuthorization: Bearerでこのトークンを送る。
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager はTokenManagerを生成する。ttlが0以下の場合はDefaultTokenTTL。
func NewTokenManager(secret []byte, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenManager{secret: secret, ttl: ttl, now: time.Now}
}

// Issue はユーザーIDを主体とするトークンを発行する。
func (m *TokenManager) Issue(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("user ID is required")
	}
	now := m.now()
	expiresAt := now.Add(m.ttl)

	claims := apiClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   userID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign api token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify はトークンを検証してユーザーIDを返す。
// 署名方式・発行者・有効期限のいずれかが不正な場合はErrInvalidTokenを返す。
func (m *TokenManager) Verify(token string) (string, error) {
	var claims apiClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: subject is empty", ErrInvalidToken)
	}
	return claims.Subject, nil
}
