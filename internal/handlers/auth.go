package handlers

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/pairchat/config"
	"github.com/mossy-p/pairchat/internal/middleware"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login issues a moderator token for the configured credentials. Login is
// disabled while no moderator password is configured.
func Login(moderator config.ModeratorConfig, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if moderator.Password == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Moderator login is disabled",
			})
			return
		}

		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(moderator.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(moderator.Password)) == 1
		if !userOK || !passOK {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		expires := time.Now().Add(tokenTTL).UTC()
		token, err := middleware.IssueToken(jwtSecret, req.Username, middleware.RoleModerator, tokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:     token,
			UserID:    req.Username,
			Role:      middleware.RoleModerator,
			ExpiresAt: expires,
		})
	}
}
