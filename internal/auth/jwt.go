package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const userContextKey = "user"

// User is the caller identified by a bearer token
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// JWTVerifier validates bearer tokens against a key set
type JWTVerifier struct {
	keys func(ctx context.Context) (jwk.Set, error)
}

// NewJWTVerifier verifies against a remote JWKS. Keys are cached and
// refreshed in the background by jwk.Cache, so requests do no network I/O.
func NewJWTVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &JWTVerifier{
		keys: func(ctx context.Context) (jwk.Set, error) {
			return cache.Get(ctx, jwksURL)
		},
	}, nil
}

// NewStaticJWTVerifier verifies against a fixed key set
func NewStaticJWTVerifier(set jwk.Set) *JWTVerifier {
	return &JWTVerifier{
		keys: func(context.Context) (jwk.Set, error) { return set, nil },
	}
}

// UserFromRequest extracts and validates the bearer token of r. Browsers
// cannot set headers on EventSource and WebSocket requests, so the token is
// also accepted as the access_token query parameter.
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	keySet, err := v.keys(r.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to load key set: %w", err)
	}

	token, err := jwt.ParseRequest(r,
		jwt.WithHeaderKey("Authorization"),
		jwt.WithFormKey("access_token"),
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing user ID (subject)")
	}

	var email, name string
	if claim, ok := token.Get("email"); ok {
		email, _ = claim.(string)
	}
	if claim, ok := token.Get("name"); ok {
		name, _ = claim.(string)
	}

	return &User{ID: userID, Email: email, Name: name}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// caller on the gin context
func (v *JWTVerifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := v.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// CurrentUser returns the caller stored by Middleware
func CurrentUser(c *gin.Context) *User {
	if v, ok := c.Get(userContextKey); ok {
		if user, ok := v.(*User); ok {
			return user
		}
	}
	return nil
}

// WithUser stores user on c; used when authentication happens elsewhere
func WithUser(c *gin.Context, user *User) {
	c.Set(userContextKey, user)
}
