package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	ContextUserID = "user_id"
	leeway        = 2 * time.Minute
)

var ErrNoToken = errors.New("missing or invalid Authorization header")

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Authenticator validates HMAC-signed bearer tokens. Browsers cannot set
// headers on a websocket handshake, so the token may also arrive in the
// QueryKey query parameter.
type Authenticator struct {
	secret   []byte
	QueryKey string
}

func NewAuthenticator(secret, queryKey string) *Authenticator {
	return &Authenticator{secret: []byte(secret), QueryKey: queryKey}
}

func (a *Authenticator) tokenFrom(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", ErrNoToken
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if a.QueryKey != "" {
		if t := strings.TrimSpace(r.URL.Query().Get(a.QueryKey)); t != "" {
			return t, nil
		}
	}
	return "", ErrNoToken
}

// Authenticate returns the identity carried by the request's token.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	tokenStr, err := a.tokenFrom(r)
	if err != nil {
		return "", err
	}
	return a.Parse(tokenStr)
}

func (a *Authenticator) Parse(tokenStr string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithLeeway(leeway), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", errors.New("invalid or expired token")
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return "", errors.New("token has no user_id")
	}
	return claims.UserID, nil
}

// NewToken signs a token for userID valid for ttl.
func (a *Authenticator) NewToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Paths served without a token.
func isPublicPath(path string) bool {
	return strings.HasPrefix(path, "/swagger") ||
		strings.HasPrefix(path, "/healthz") ||
		strings.HasPrefix(path, "/metrics")
}

func AuthMiddleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions || isPublicPath(c.Request.URL.Path) {
			c.Next()
			return
		}
		userID, err := a.Authenticate(c.Request)
		if errors.Is(err, ErrNoToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid Authorization header"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}
		c.Set(ContextUserID, userID)
		c.Next()
	}
}
