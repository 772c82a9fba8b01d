package collection

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"FACEINDEX/controllers"
	"FACEINDEX/engine"
)

type CollectionPayload struct {
	CollectionID string `json:"collection_id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
}

func ListHandler(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		cols, err := e.Collections.List(c.Request.Context())
		if err != nil {
			controllers.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"collections": cols, "count": len(cols)})
	}
}

func CreateHandler(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload CollectionPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			controllers.BadRequest(c, err)
			return
		}
		col, err := e.Collections.Create(c.Request.Context(), engine.CreateCollectionRequest{
			CollectionID: payload.CollectionID,
			Name:         payload.Name,
			Description:  payload.Description,
		})
		if err != nil {
			controllers.Error(c, err)
			return
		}
		c.JSON(http.StatusCreated, col)
	}
}

func GetHandler(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		col, err := e.Collections.Get(c.Request.Context(), c.Param("collection_id"))
		if err != nil {
			controllers.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, col)
	}
}

func UpdateHandler(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload CollectionPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			controllers.BadRequest(c, err)
			return
		}
		col, err := e.Collections.Update(c.Request.Context(), c.Param("collection_id"), payload.Name, payload.Description)
		if err != nil {
			controllers.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, col)
	}
}

// DeleteHandler refuses collections that still hold faces.
func DeleteHandler(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("collection_id")
		if err := e.Collections.Delete(c.Request.Context(), id); err != nil {
			controllers.Error(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"collection_id": id, "deleted": true})
	}
}
