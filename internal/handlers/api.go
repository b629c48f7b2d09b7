package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/pairchat/internal/matchmaking"
	"github.com/mossy-p/pairchat/internal/models"
)

// Health reports liveness.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Online returns the number of connected participants across instances.
func Online(store matchmaking.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := store.OnlineCount(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count online users"})
			return
		}
		c.JSON(http.StatusOK, models.OnlineResponse{Count: count})
	}
}

// Reports lists stored abuse reports, newest first (moderators only).
func Reports(store matchmaking.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		reports, err := store.Reports(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load reports"})
			return
		}
		c.JSON(http.StatusOK, models.ReportsResponse{Reports: reports})
	}
}
