package chat

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"LocalGPT/controllers"
	"LocalGPT/middleware"
)

// Register registers chat routes (protected)
func Register(g *gin.RouterGroup, db *gorm.DB) {
	g.GET("/chat/models", controllers.GetModels())
	g.GET("/chat/history/:conversation_id", controllers.ChatHistory(db))
	// rate limiting on the streaming POST only
	g.POST("/chat/stream", middleware.RateLimit(), controllers.ChatStream(db))
}
