package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dadaWilliam/chat-app/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token revoked")
)

// Identity 是通过认证后附着在会话与请求上的用户身份。
type Identity struct {
	UserID   uint   `json:"id"`
	Username string `json:"username"`
}

type Claims struct {
	UserID   uint   `json:"uid"`
	Username string `json:"uname"`
	jwt.RegisteredClaims
}

// RevocationStore 记录被吊销 token 的 jti,条目随 token 自然过期而淘汰。
type RevocationStore interface {
	Add(ctx context.Context, jti string, ttl time.Duration) error
	Contains(ctx context.Context, jti string) (bool, error)
}

type credential struct {
	id   uint
	name string
	hash string
}

// Authority 负责签发、校验与吊销会话 token,身份表固定在内存中。
type Authority struct {
	secret     string
	ttl        time.Duration
	revocation RevocationStore

	mu    sync.RWMutex
	users map[string]credential
}

// 开发环境内置账号,可通过 SEED_USERS 追加。
var devUsers = map[string]string{
	"alice": "alice123",
	"bob":   "bob123",
}

func NewAuthority(cfg config.Config, revocation RevocationStore) (*Authority, error) {
	a := &Authority{
		secret:     cfg.JWTSecret,
		ttl:        time.Duration(cfg.TokenTTLMinutes) * time.Minute,
		revocation: revocation,
		users:      make(map[string]credential),
	}
	nextID := uint(1)
	for name, pw := range devUsers {
		hash, err := HashPassword(pw)
		if err != nil {
			return nil, err
		}
		a.users[name] = credential{id: nextID, name: name, hash: hash}
		nextID++
	}
	for _, pair := range strings.Split(cfg.SeedUsers, ",") {
		name, pw, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || name == "" || pw == "" {
			continue
		}
		hash, err := HashPassword(pw)
		if err != nil {
			return nil, err
		}
		a.users[name] = credential{id: nextID, name: name, hash: hash}
		nextID++
	}
	return a, nil
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// Login 根据内存身份表校验口令并签发 token。
func (a *Authority) Login(username, password string) (string, Identity, error) {
	a.mu.RLock()
	cred, ok := a.users[username]
	a.mu.RUnlock()
	if !ok || !VerifyPassword(cred.hash, password) {
		return "", Identity{}, errors.New("invalid credentials")
	}
	id := Identity{UserID: cred.id, Username: cred.name}
	token, err := a.Issue(id)
	return token, id, err
}

// Issue 签发嵌入身份与过期时间的 token,jti 唯一,供吊销表使用。
func (a *Authority) Issue(id Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatUint(uint64(id.UserID), 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.secret))
}

// Validate 校验签名与过期时间,不查询吊销表。
func (a *Authority) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(a.secret), nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// Revoke 按 token 剩余寿命记录吊销条目;无效 token 静默忽略。
func (a *Authority) Revoke(ctx context.Context, tokenStr string) error {
	claims, err := a.Validate(tokenStr)
	if err != nil {
		return nil
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	return a.revocation.Add(ctx, claims.ID, ttl)
}

// IsRevoked 查询吊销表;查询失败时视为不可用而非未吊销。
func (a *Authority) IsRevoked(ctx context.Context, claims *Claims) (bool, error) {
	return a.revocation.Contains(ctx, claims.ID)
}

// Authenticate 是所有入口共用的完整认证:先验签,再查吊销表。
// 已吊销但未过期的 token 必须被拒绝。
func (a *Authority) Authenticate(ctx context.Context, tokenStr string) (Identity, error) {
	claims, err := a.Validate(tokenStr)
	if err != nil {
		return Identity{}, err
	}
	revoked, err := a.IsRevoked(ctx, claims)
	if err != nil {
		return Identity{}, err
	}
	if revoked {
		return Identity{}, ErrTokenRevoked
	}
	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// Middleware 解析 Bearer token 并把身份注入请求上下文。
func (a *Authority) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])
		id, err := a.Authenticate(c.Request.Context(), tokenStr)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenRevoked) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
			return
		}
		c.Set("identity", id)
		c.Set("token", tokenStr)
		c.Next()
	}
}

// GetIdentity 从 gin 上下文取出认证后的身份。
func GetIdentity(c *gin.Context) Identity {
	if v, ok := c.Get("identity"); ok {
		if id, ok2 := v.(Identity); ok2 {
			return id
		}
	}
	return Identity{}
}

// GetToken 从 gin 上下文取出原始 token,供 logout 吊销使用。
func GetToken(c *gin.Context) string {
	if v, ok := c.Get("token"); ok {
		if s, ok2 := v.(string); ok2 {
			return s
		}
	}
	return ""
}
