package websocket

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"LocalGPT/controllers"
)

// Register registers the websocket chat route. Auth happens in the handler
// via the ?token= query parameter.
func Register(r *gin.Engine, db *gorm.DB) {
	r.GET("/ws/chat", controllers.ChatWS(db))
}
