package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callsig/internal/domain"
)

const identityKey = "user_id"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// JWTVerifier admits identities carried in HS256 bearer tokens.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and returns the identity in its "sub" claim.
func (v *JWTVerifier) Verify(tokenString string) (domain.UserID, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return domain.ParseUserID(sub)
}

// Generate signs a token for user, valid for expiresIn.
func (v *JWTVerifier) Generate(user domain.UserID, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": string(user),
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	// browsers cannot set headers on a WebSocket handshake
	return c.Query("token")
}

const guestKey = "client_token"

// IdentityMiddleware resolves the caller's identity. A bearer token wins;
// without one, guests get a client token kept in the cookie session.
// verifier may be nil, which disables bearer tokens.
func IdentityMiddleware(verifier *JWTVerifier, allowGuest bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := bearerToken(c); raw != "" && verifier != nil {
			user, err := verifier.Verify(raw)
			if err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("bearer token rejected")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": err.Error()})
				return
			}
			c.Set(identityKey, user)
			c.Next()
			return
		}
		if !allowGuest {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": "missing bearer token"})
			return
		}

		session := sessions.Default(c)
		token, _ := session.Get(guestKey).(string)
		if token == "" {
			token = "guest-" + uuid.NewString()
			session.Set(guestKey, token)
			if err := session.Save(); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(identityKey, domain.UserID(token))
		c.Next()
	}
}

func identity(c *gin.Context) domain.UserID {
	v, _ := c.Get(identityKey)
	user, _ := v.(domain.UserID)
	return user
}
