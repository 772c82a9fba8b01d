package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"FACEINDEX/apperr"
	"FACEINDEX/blobstore"
	"FACEINDEX/embedding"
	"FACEINDEX/metastore"
	"FACEINDEX/models"
	"FACEINDEX/vectorindex"
)

// SearchRequest carries exactly one of Image, Vector or FaceID.
type SearchRequest struct {
	Image        []byte
	Vector       []float32
	FaceID       string
	CollectionID string
	// MaxResults zero means the default.
	MaxResults int
	// SimilarityThreshold nil means the default; zero is a real threshold.
	SimilarityThreshold *float64
}

// Match is one search hit.
type Match struct {
	FaceID          string             `json:"face_id"`
	UserID          string             `json:"user_id"`
	Score           float64            `json:"score"`
	ExternalImageID string             `json:"external_image_id,omitempty"`
	Confidence      float64            `json:"confidence"`
	BoundingBox     models.BoundingBox `json:"bounding_box"`
	Metadata        map[string]string  `json:"metadata,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// SearchResult is ordered by score desc, then face id asc.
type SearchResult struct {
	CollectionID string  `json:"collection_id"`
	Matches      []Match `json:"matches"`
	// QueryFaceCount is the number of faces found in an image query.
	QueryFaceCount int `json:"query_face_count,omitempty"`
}

// Searcher answers similarity queries. Only faces with a metadata row are
// ever returned.
type Searcher struct {
	embedder embedding.Provider
	vectors  vectorindex.Index
	meta     metastore.FaceStore
	blobs    blobstore.Store
	opts     Options
	logger   *slog.Logger
}

func NewSearcher(deps Deps, opts Options) *Searcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{
		embedder: deps.Embedder,
		vectors:  deps.Vectors,
		meta:     deps.Meta,
		blobs:    deps.Blobs,
		opts:     opts.withDefaults(),
		logger:   logger,
	}
}

type searchParams struct {
	collectionID string
	maxResults   int
	threshold    float64
}

func (s *Searcher) params(req SearchRequest) (searchParams, error) {
	var p searchParams
	sources := 0
	if len(req.Image) > 0 {
		sources++
	}
	if len(req.Vector) > 0 {
		sources++
	}
	if req.FaceID != "" {
		sources++
	}
	if sources != 1 {
		return p, apperr.New(apperr.CodeInputInvalid, "exactly one of image, vector or face_id is required")
	}
	if len(req.Image) > s.opts.MaxImageBytes {
		return p, apperr.New(apperr.CodeInputInvalid, "image is too large")
	}

	id, err := normalizeCollection(req.CollectionID)
	if err != nil {
		return p, err
	}
	p.collectionID = id

	p.maxResults = req.MaxResults
	if p.maxResults == 0 {
		p.maxResults = s.opts.DefaultMaxResults
	}
	if p.maxResults < 1 || p.maxResults > s.opts.MaxResultsLimit {
		return p, apperr.Errorf(apperr.CodeInputInvalid, "max_results must be between 1 and %d", s.opts.MaxResultsLimit)
	}

	p.threshold = s.opts.DefaultThreshold
	if req.SimilarityThreshold != nil {
		p.threshold = *req.SimilarityThreshold
	}
	if math.IsNaN(p.threshold) || p.threshold < 0 || p.threshold > 1 {
		return p, apperr.New(apperr.CodeInputInvalid, "similarity_threshold must be between 0 and 1")
	}
	return p, nil
}

func (s *Searcher) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	p, err := s.params(req)
	if err != nil {
		return nil, err
	}
	result := &SearchResult{CollectionID: p.collectionID, Matches: []Match{}}

	// 1. query vector
	var query []float32
	switch {
	case len(req.Image) > 0:
		det, err := detect(ctx, s.embedder, s.opts, req.Image)
		if err != nil {
			return nil, err
		}
		query = det.face.Vector
		result.QueryFaceCount = det.count
	case len(req.Vector) > 0:
		if err := checkQueryVector(s.opts, req.Vector); err != nil {
			return nil, err
		}
		query = req.Vector
	default:
		query, err = s.storedVector(ctx, req.FaceID, p.collectionID)
		if err != nil {
			return nil, err
		}
	}

	// 2. nearest neighbours, over-fetched to absorb orphans and filtering
	k := p.maxResults * s.opts.OverFetch
	if req.FaceID != "" {
		k++
	}
	qctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	candidates, err := s.vectors.Query(qctx, p.collectionID, query, k)
	cancel()
	if err != nil {
		if cerr := canceled(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, apperr.Wrap(err, apperr.CodeVectorIndexUnavailable, "vector query failed",
			apperr.FieldCollectionID(p.collectionID))
	}

	// 3. threshold
	survivors := candidates[:0:0]
	for _, c := range candidates {
		if c.Score >= p.threshold && c.FaceID != req.FaceID {
			survivors = append(survivors, c)
		}
	}
	if len(survivors) == 0 {
		return result, nil
	}

	// 4. hydrate
	matches, err := s.hydrate(ctx, p.collectionID, survivors)
	if err != nil {
		return nil, err
	}

	// 5. order and truncate
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].FaceID < matches[j].FaceID
	})
	if len(matches) > p.maxResults {
		matches = matches[:p.maxResults]
	}
	result.Matches = matches
	return result, nil
}

// storedVector returns the vector of an indexed face, re-extracting from the
// stored image when the metadata row carries no echo.
func (s *Searcher) storedVector(ctx context.Context, faceID, collectionID string) ([]float32, error) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	rec, err := s.meta.Get(sctx, faceID)
	if errors.Is(err, metastore.ErrNotFound) || (err == nil && rec.CollectionID != collectionID) {
		return nil, apperr.New(apperr.CodeFaceNotFound, "face not found",
			apperr.FieldFaceID(faceID), apperr.FieldCollectionID(collectionID))
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeMetadataUnavailable, "face lookup failed", apperr.FieldFaceID(faceID))
	}
	if len(rec.Vector) > 0 {
		if err := checkQueryVector(s.opts, rec.Vector); err == nil {
			return rec.Vector, nil
		}
	}

	image, err := s.blobs.Get(sctx, rec.ImageKey)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeBlobUnavailable, "stored image unavailable", apperr.FieldFaceID(faceID))
	}
	det, err := detect(ctx, s.embedder, s.opts, image)
	if err != nil {
		return nil, err
	}
	return det.face.Vector, nil
}

// hydrate reads the metadata rows of the candidates concurrently. Orphans
// and rows of another collection are dropped. Read errors are dropped too,
// unless they exceed the allowed fraction.
func (s *Searcher) hydrate(ctx context.Context, collectionID string, candidates []vectorindex.Candidate) ([]Match, error) {
	var (
		mu      sync.Mutex
		matches = make([]Match, 0, len(candidates))
		failed  int
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.HydrationConcurrency)
	for _, c := range candidates {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, s.opts.StoreTimeout)
			defer cancel()

			rec, err := s.meta.Get(sctx, c.FaceID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, metastore.ErrNotFound):
				s.logger.Debug("dropping orphan vector", "face_id", c.FaceID, "collection_id", collectionID)
			case err != nil:
				failed++
				lastErr = err
			case rec.CollectionID != collectionID:
				s.logger.Warn("dropping candidate from another collection",
					"face_id", c.FaceID, "collection_id", collectionID, "row_collection_id", rec.CollectionID)
			default:
				matches = append(matches, Match{
					FaceID:          rec.FaceID,
					UserID:          rec.UserID,
					Score:           c.Score,
					ExternalImageID: rec.ExternalImageID,
					Confidence:      rec.Confidence,
					BoundingBox:     rec.BoundingBox,
					Metadata:        rec.Metadata,
					CreatedAt:       rec.CreatedAt,
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := canceled(ctx); err != nil {
		return nil, err
	}
	if failed > 0 {
		rate := float64(failed) / float64(len(candidates))
		s.logger.Warn("metadata hydration errors",
			"collection_id", collectionID, "failed", failed, "attempted", len(candidates), "error", lastErr)
		if rate > s.opts.MaxHydrationFailureRate {
			return nil, apperr.Wrap(lastErr, apperr.CodeMetadataUnavailable, "too many metadata reads failed",
				apperr.FieldCollectionID(collectionID), apperr.Field("failed", failed), apperr.Field("attempted", len(candidates)))
		}
	}
	return matches, nil
}

// VerifyRequest checks whether an image matches one of a user's faces.
type VerifyRequest struct {
	Image               []byte
	UserID              string
	CollectionID        string
	SimilarityThreshold *float64
}

// VerifyResult carries the user's best score even when it is below the
// threshold, so callers can tell a near miss from no enrolment at all.
type VerifyResult struct {
	UserID    string  `json:"user_id"`
	Match     bool    `json:"match"`
	Score     float64 `json:"score"`
	FaceID    string  `json:"face_id,omitempty"`
	Threshold float64 `json:"threshold"`
}

// Verify runs an image search and keeps the best face of req.UserID among
// the nearest candidates. A user with many look-alikes in a large
// collection may fall outside the candidate window and report no match.
func (s *Searcher) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	if req.UserID == "" {
		return nil, apperr.New(apperr.CodeInputInvalid, "user_id is required")
	}
	if len(req.Image) == 0 {
		return nil, apperr.New(apperr.CodeInputInvalid, "image is required")
	}
	threshold := s.opts.DefaultThreshold
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
	}
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return nil, apperr.New(apperr.CodeInputInvalid, "similarity_threshold must be between 0 and 1")
	}

	zero := 0.0
	res, err := s.Search(ctx, SearchRequest{
		Image:               req.Image,
		CollectionID:        req.CollectionID,
		MaxResults:          s.opts.MaxResultsLimit,
		SimilarityThreshold: &zero,
	})
	if err != nil {
		return nil, err
	}

	out := &VerifyResult{UserID: req.UserID, Threshold: threshold}
	for _, m := range res.Matches {
		if m.UserID == req.UserID {
			// Matches are sorted, the first one is the best.
			out.Score = m.Score
			out.FaceID = m.FaceID
			out.Match = m.Score >= threshold
			break
		}
	}
	return out, nil
}
