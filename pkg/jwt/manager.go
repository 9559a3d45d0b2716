package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingClaims = errors.New("token missing subject")
)

// Claims 连接鉴权用的声明，Subject 为用户 ID
type Claims struct {
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	jwt.StandardClaims
}

// Manager 负责 JWT 的签发与解析
type Manager interface {
	Generate(subject, username, avatar string, ttl time.Duration) (string, error)
	Parse(tokenStr string) (*Claims, error)
}

type manager struct {
	secret []byte
}

func NewManager(secret string) Manager {
	return &manager{secret: []byte(secret)}
}

// Generate 签发 HS256 token，测试和内部调用方使用
func (m *manager) Generate(subject, username, avatar string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		Avatar:   avatar,
		StandardClaims: jwt.StandardClaims{
			Subject:   subject,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Parse 验签并解析，只接受 HMAC 签名
func (m *manager) Parse(tokenStr string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrMissingClaims
	}
	return claims, nil
}
