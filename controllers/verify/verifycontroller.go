package verify

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"FACEINDEX/controllers"
	"FACEINDEX/engine"
)

// VerifyPayload checks a live capture against one user's registered faces.
type VerifyPayload struct {
	Image               string   `json:"image" binding:"required"`
	UserID              string   `json:"user_id"`
	CollectionID        string   `json:"collection_id"`
	SimilarityThreshold *float64 `json:"similarity_threshold"`
}

func VerifyHandler(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. Bind JSON
		var payload VerifyPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			controllers.BadRequest(c, err)
			return
		}
		image, err := controllers.DecodeImage(payload.Image)
		if err != nil {
			controllers.Error(c, err)
			return
		}

		// 2. Default to the logged-in user
		userID := payload.UserID
		if userID == "" {
			if claims, ok := controllers.CurrentUser(c); ok {
				userID = claims.Username
			}
		}

		// 3. Compare against every registered angle; the best one decides
		res, err := e.Searcher.Verify(c.Request.Context(), engine.VerifyRequest{
			Image:               image,
			UserID:              userID,
			CollectionID:        payload.CollectionID,
			SimilarityThreshold: payload.SimilarityThreshold,
		})
		if err != nil {
			controllers.Error(c, err)
			return
		}

		// 4. Verdict
		if !res.Match {
			c.JSON(http.StatusOK, gin.H{
				"match":     false,
				"user_id":   res.UserID,
				"score":     res.Score,
				"threshold": res.Threshold,
				"message": fmt.Sprintf("face not recognised (best score %.1f%%, needs %.0f%%)",
					res.Score*100, res.Threshold*100),
			})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
