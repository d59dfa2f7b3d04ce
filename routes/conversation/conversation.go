package conversation

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"LocalGPT/controllers"
)

// Register registers conversation routes (protected)
func Register(g *gin.RouterGroup, db *gorm.DB) {
	g.POST("/conversations", controllers.CreateConversation(db))
	g.GET("/conversations", controllers.ListConversations(db))
	g.GET("/conversations/:conversation_id", controllers.GetConversation(db))
	g.PATCH("/conversations/:conversation_id", controllers.RenameConversation(db))
	g.DELETE("/conversations/:conversation_id", controllers.DeleteConversation(db))
	// Delete all conversations for current user
	g.DELETE("/conversations", controllers.DeleteAllConversations(db))
}
