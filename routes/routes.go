package routes

import (
	"log/slog"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"FACEINDEX/config"
	"FACEINDEX/controllers/collection"
	"FACEINDEX/controllers/face"
	"FACEINDEX/controllers/migration"
	"FACEINDEX/controllers/search"
	"FACEINDEX/controllers/stats"
	"FACEINDEX/controllers/verify"
	"FACEINDEX/engine"
	"FACEINDEX/middleware"
)

// SetupRouter wires every endpoint under /api/v1. Health is public; the rest
// needs a bearer token, and administration needs the admin role.
func SetupRouter(cfg *config.Config, e *engine.Engine, logger *slog.Logger) *gin.Engine {
	gin.SetMode(cfg.Server.GinMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(cors.New(corsConfig(cfg.Server.CORSOrigins)))
	r.Use(middleware.MaxBody(cfg.Server.MaxBodyBytes))

	api := r.Group("/api/v1")
	api.GET("/health", stats.HealthHandler(e))

	auth := api.Group("")
	auth.Use(middleware.JWTAuth([]byte(cfg.Server.JWTKey)))
	{
		auth.POST("/faces", face.IndexFaceHandler(e))
		auth.DELETE("/collections/:collection_id/faces/:face_id", face.DeleteFaceHandler(e))
		auth.POST("/search", search.SearchHandler(e))
		auth.POST("/verify", verify.VerifyHandler(e))

		auth.GET("/collections", collection.ListHandler(e))
		auth.GET("/collections/:collection_id", collection.GetHandler(e))
		auth.GET("/stats", stats.StatsHandler(e))
	}

	admin := auth.Group("")
	admin.Use(middleware.RequireRole(middleware.RoleAdmin))
	{
		admin.POST("/collections", collection.CreateHandler(e))
		admin.PUT("/collections/:collection_id", collection.UpdateHandler(e))
		admin.DELETE("/collections/:collection_id", collection.DeleteHandler(e))

		admin.POST("/admin/migrations", migration.MigrateHandler(e))
		admin.GET("/admin/migrations/progress", migration.ProgressHandler(e))
	}

	return r
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c
}
