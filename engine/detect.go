package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"FACEINDEX/apperr"
	"FACEINDEX/embedding"
)

type detection struct {
	face  embedding.Face
	count int
}

// detect runs the extractor and applies the multi-face policy.
func detect(ctx context.Context, provider embedding.Provider, opts Options, image []byte) (detection, error) {
	ectx, cancel := context.WithTimeout(ctx, opts.EmbedTimeout)
	defer cancel()

	faces, err := provider.Extract(ectx, image)
	if err != nil {
		if errors.Is(err, embedding.ErrInvalidImage) {
			return detection{}, apperr.Wrap(err, apperr.CodeInputInvalid, "image could not be decoded")
		}
		if cerr := canceled(ctx); cerr != nil {
			return detection{}, cerr
		}
		return detection{}, apperr.Wrap(err, apperr.CodeEmbeddingUnavailable, "feature extraction failed")
	}

	if len(faces) == 0 {
		return detection{}, apperr.New(apperr.CodeNoFaceDetected, "no face detected in the image")
	}
	if len(faces) > 1 && opts.MultiFacePolicy == MultiFaceReject {
		return detection{}, apperr.New(apperr.CodeInputInvalid,
			fmt.Sprintf("image contains %d faces, exactly one is required", len(faces)),
			apperr.Field("detection_count", len(faces)))
	}

	best := faces[embedding.Best(faces)]
	if opts.Dimension > 0 && len(best.Vector) != opts.Dimension {
		return detection{}, apperr.Wrap(
			fmt.Errorf("extractor returned %d dimensions, want %d", len(best.Vector), opts.Dimension),
			apperr.CodeEmbeddingUnavailable, "feature extraction returned an unexpected vector")
	}
	return detection{face: best, count: len(faces)}, nil
}

func checkQueryVector(opts Options, v []float32) error {
	if len(v) == 0 {
		return apperr.New(apperr.CodeInputInvalid, "vector must not be empty")
	}
	if opts.Dimension > 0 && len(v) != opts.Dimension {
		return apperr.New(apperr.CodeInputInvalid,
			fmt.Sprintf("vector must have %d dimensions, got %d", opts.Dimension, len(v)))
	}
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return apperr.New(apperr.CodeInputInvalid, "vector components must be finite",
				apperr.Field("component", i))
		}
	}
	return nil
}
