package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"LocalGPT/middleware"
	authRoutes "LocalGPT/routes/auth"
	chatRoutes "LocalGPT/routes/chat"
	convRoutes "LocalGPT/routes/conversation"
	websocketRoutes "LocalGPT/routes/websocket"
)

func RegisterRoutes(r *gin.Engine, db *gorm.DB) {
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "LocalGPT chat backend running"})
	})

	websocketRoutes.Register(r, db)
	authRoutes.RegisterPublic(r, db)

	protected := r.Group("/")
	protected.Use(middleware.AuthMiddleware())
	authRoutes.RegisterProtected(protected, db)
	convRoutes.Register(protected, db)
	chatRoutes.Register(protected, db)
}
