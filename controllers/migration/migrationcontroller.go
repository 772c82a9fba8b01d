package migration

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"FACEINDEX/controllers"
	"FACEINDEX/engine"
)

// MigratePayload asks for one batch. Pass the previous resume_token to
// continue; omit it to start over.
type MigratePayload struct {
	SourceRef          string `json:"source_ref" binding:"required"`
	TargetCollectionID string `json:"target_collection_id"`
	BatchSize          int    `json:"batch_size"`
	ResumeToken        string `json:"resume_token"`
}

func MigrateHandler(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload MigratePayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			controllers.BadRequest(c, err)
			return
		}

		res, err := e.Migrator.Migrate(c.Request.Context(), engine.MigrateRequest{
			SourceRef:          payload.SourceRef,
			TargetCollectionID: payload.TargetCollectionID,
			BatchSize:          payload.BatchSize,
			ResumeToken:        payload.ResumeToken,
		})
		if err != nil {
			controllers.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// ProgressHandler returns one migration's progress when source_ref is given,
// otherwise every recorded migration.
func ProgressHandler(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref := c.Query("source_ref")
		if ref == "" {
			all, err := e.Migrator.ListProgress(c.Request.Context())
			if err != nil {
				controllers.Error(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"migrations": all, "count": len(all)})
			return
		}

		p, err := e.Migrator.Progress(c.Request.Context(), ref, c.Query("target_collection_id"))
		if err != nil {
			controllers.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	}
}
