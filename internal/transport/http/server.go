package http

import (
	"github.com/gin-gonic/gin"

	"alumniportal/internal/bootstrap"
	"alumniportal/internal/transport/http/handler"
	"alumniportal/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.GET("/healthz", healthHandler.Check)

	authHandler := handler.NewAuthHandler(app.AuthService)
	docHandler := handler.NewDocumentHandler(app.DocumentService)
	chatHandler := handler.NewChatHandler(app.ChatService)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", middleware.AuthJWT(app.Config.Auth.JWTSecret), authHandler.Me)

	docGroup := v1.Group("/documents")
	docGroup.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))
	docGroup.POST("", docHandler.Upload)
	docGroup.GET("", docHandler.List)
	docGroup.GET("/:id", docHandler.Get)
	docGroup.PATCH("/:id", docHandler.Update)
	docGroup.DELETE("/:id", docHandler.Delete)
	docGroup.POST("/:id/reingest", docHandler.Reingest)
	docGroup.POST("/search", docHandler.Search)

	chatGroup := v1.Group("/chat")
	chatGroup.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))
	chatGroup.POST("/sessions", chatHandler.CreateSession)
	chatGroup.GET("/sessions", chatHandler.ListSessions)
	chatGroup.DELETE("/sessions/:id", chatHandler.DeleteSession)
	chatGroup.GET("/sessions/:id/history", chatHandler.GetHistory)
	chatGroup.POST("/messages", chatHandler.SendMessage)

	return router
}
