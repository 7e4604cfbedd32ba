package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	tokenIssuer    = "txrelay"
	expireDuration = 7 * 24 * time.Hour
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims identify the API client a token was issued to in Subject.
type Claims struct {
	jwt.StandardClaims
}

type AuthService struct {
	JWTSecret []byte
	now       func() time.Time
}

func NewAuthService(secret string) *AuthService {
	return &AuthService{
		JWTSecret: []byte(secret),
		now:       time.Now,
	}
}

// GenerateToken issues an HS256 token for client, valid for seven days.
func (a *AuthService) GenerateToken(client string) (string, error) {
	if client == "" {
		return "", fmt.Errorf("client name is required")
	}
	now := a.now()
	claims := &Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   client,
			Issuer:    tokenIssuer,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(expireDuration).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.JWTSecret)
}

func (a *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.JWTSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != tokenIssuer || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RefreshToken exchanges a valid token for a new one issued to the same client.
func (a *AuthService) RefreshToken(oldToken string) (string, error) {
	claims, err := a.ValidateToken(oldToken)
	if err != nil {
		return "", err
	}
	return a.GenerateToken(claims.Subject)
}
