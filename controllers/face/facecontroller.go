package face

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"FACEINDEX/controllers"
	"FACEINDEX/engine"
)

// IndexFacePayload is the body of POST /faces. Image is base64.
type IndexFacePayload struct {
	Image           string            `json:"image" binding:"required"`
	UserID          string            `json:"user_id"`
	CollectionID    string            `json:"collection_id"`
	ExternalImageID string            `json:"external_image_id"`
	Metadata        map[string]string `json:"metadata"`
}

func IndexFaceHandler(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. Validate the JSON body
		var payload IndexFacePayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			controllers.BadRequest(c, err)
			return
		}

		image, err := controllers.DecodeImage(payload.Image)
		if err != nil {
			controllers.Error(c, err)
			return
		}

		// 2. Faces belong to the logged-in user unless the caller says otherwise
		userID := payload.UserID
		if userID == "" {
			if claims, ok := controllers.CurrentUser(c); ok {
				userID = claims.Username
			}
		}

		// 3. Index. Duplicates are allowed: every call adds a new face, so one
		// user can register several angles.
		res, err := e.Indexer.Index(c.Request.Context(), engine.IndexRequest{
			Image:           image,
			UserID:          userID,
			CollectionID:    payload.CollectionID,
			ExternalImageID: payload.ExternalImageID,
			Metadata:        payload.Metadata,
		})
		if err != nil {
			controllers.Error(c, err)
			return
		}

		c.JSON(http.StatusCreated, res)
	}
}

func DeleteFaceHandler(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := e.Deleter.Delete(c.Request.Context(), c.Param("face_id"), c.Param("collection_id"))
		if err != nil {
			controllers.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
