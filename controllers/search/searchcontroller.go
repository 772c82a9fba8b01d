package search

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"FACEINDEX/apperr"
	"FACEINDEX/controllers"
	"FACEINDEX/engine"
)

// SearchPayload is the body of POST /search. SearchType picks which of
// Image, Vector or FaceID is used; when empty it is inferred.
type SearchPayload struct {
	SearchType          string    `json:"search_type"`
	Image               string    `json:"image"`
	Vector              []float32 `json:"vector"`
	FaceID              string    `json:"face_id"`
	CollectionID        string    `json:"collection_id"`
	MaxResults          int       `json:"max_results"`
	SimilarityThreshold *float64  `json:"similarity_threshold"`
}

const (
	ByImage  = "by_image"
	ByVector = "by_vector"
	ByFaceID = "by_face_id"
)

func (p *SearchPayload) request() (engine.SearchRequest, error) {
	req := engine.SearchRequest{
		CollectionID:        p.CollectionID,
		MaxResults:          p.MaxResults,
		SimilarityThreshold: p.SimilarityThreshold,
	}

	searchType := p.SearchType
	if searchType == "" {
		switch {
		case p.Image != "":
			searchType = ByImage
		case len(p.Vector) > 0:
			searchType = ByVector
		case p.FaceID != "":
			searchType = ByFaceID
		}
	}

	switch searchType {
	case ByImage:
		if p.Image == "" {
			return req, apperr.New(apperr.CodeInputInvalid, "image is required for by_image search")
		}
		image, err := controllers.DecodeImage(p.Image)
		if err != nil {
			return req, err
		}
		req.Image = image
	case ByVector:
		req.Vector = p.Vector
	case ByFaceID:
		if p.FaceID == "" {
			return req, apperr.New(apperr.CodeInputInvalid, "face_id is required for by_face_id search")
		}
		req.FaceID = p.FaceID
	default:
		return req, apperr.New(apperr.CodeInputInvalid, "search_type must be one of by_image, by_vector, by_face_id")
	}
	return req, nil
}

func SearchHandler(e *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. Bind JSON
		var payload SearchPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			controllers.BadRequest(c, err)
			return
		}

		// 2. Pick the query
		req, err := payload.request()
		if err != nil {
			controllers.Error(c, err)
			return
		}

		// 3. Search. Every match already passed the threshold.
		res, err := e.Searcher.Search(c.Request.Context(), req)
		if err != nil {
			controllers.Error(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"collection_id":    res.CollectionID,
			"matches":          res.Matches,
			"count":            len(res.Matches),
			"query_face_count": res.QueryFaceCount,
		})
	}
}
