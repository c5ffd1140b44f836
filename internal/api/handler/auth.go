package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"marketchat/internal/apperr"
	"marketchat/internal/models"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer = "marketchat-relay"

	ctxUserID   = "user_id"
	ctxUserName = "user_name"
)

// Claims carries the authenticated user. The subject is the user id.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 bearer tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a signed token for the user and its expiry.
func (t *TokenIssuer) Issue(userID, name string) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(t.ttl)
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, apperr.Internal("sign token", err)
	}
	return signed, expires, nil
}

// Parse verifies raw and returns its claims.
func (t *TokenIssuer) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !token.Valid {
		return nil, apperr.Unauthorized("invalid or expired token", err)
	}
	if claims.Subject == "" {
		return nil, apperr.Unauthorized("token without subject", nil)
	}
	return claims, nil
}

// bearerToken reads the token from the Authorization header or, for
// browser WebSocket clients that cannot set headers, the token query
// parameter.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("token")
}

// RequireAuth rejects requests without a valid token and stores the
// caller's id and name in the context.
func (h *Handler) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			respondError(c, apperr.Unauthorized("authorization token missing", nil))
			return
		}
		claims, err := h.Tokens.Parse(raw)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Set(ctxUserID, claims.Subject)
		c.Set(ctxUserName, claims.Name)
		c.Next()
	}
}

// IssueToken creates or renames the user and returns a token for them.
func (h *Handler) IssueToken(c *gin.Context) {
	var req models.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.InvalidRequest("userId and displayName are required", err))
		return
	}

	user := &models.User{ID: req.UserID, DisplayName: req.DisplayName}
	if err := h.Storage.SaveUser(c.Request.Context(), user); err != nil {
		h.log.WithError(err).WithField("user_id", req.UserID).Error("failed to save user")
		respondError(c, apperr.Internal("save user", err))
		return
	}

	token, expires, err := h.Tokens.Issue(req.UserID, req.DisplayName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.TokenResponse{Token: token, UserID: req.UserID, ExpiresAt: expires})
}
