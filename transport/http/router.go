package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/gatekeeper/internal/metrics"
	"github.com/layer-3/gatekeeper/ports"
	"github.com/layer-3/gatekeeper/service"
)

// SetupRouter sets up the Gin router for the admin API
func SetupRouter(registry *service.AddressRegistry, broker *service.PermissionBroker, tokenizer ports.Tokenizer, m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())

	handlers := NewAdminHandlers(registry, broker)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(AdminMiddleware(tokenizer))
	{
		api.GET("/me", handlers.Me)
		api.GET("/registry", handlers.ListRegistry)
		api.GET("/registry/:identity", handlers.GetRegistryEntry)
		api.DELETE("/registry/:identity", handlers.DeleteRegistryEntry)
		api.GET("/permissions", handlers.ListPending)
		api.GET("/permissions/:id", handlers.GetPermission)
	}

	return router
}
