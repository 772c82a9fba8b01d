package engine

import (
	"time"

	"FACEINDEX/retry"
)

// MultiFacePolicy decides what Index and image Search do when the extractor
// finds more than one face.
type MultiFacePolicy int

const (
	// MultiFaceHighestConfidence uses the most confident face.
	MultiFaceHighestConfidence MultiFacePolicy = iota
	// MultiFaceReject fails the request as invalid input.
	MultiFaceReject
)

func (p MultiFacePolicy) String() string {
	if p == MultiFaceReject {
		return "reject"
	}
	return "highest_confidence"
}

// ParseMultiFacePolicy accepts "highest_confidence" and "reject".
func ParseMultiFacePolicy(s string) (MultiFacePolicy, bool) {
	switch s {
	case "", "highest_confidence":
		return MultiFaceHighestConfidence, true
	case "reject":
		return MultiFaceReject, true
	}
	return 0, false
}

// Options tunes the orchestrators. Zero fields take the defaults from
// DefaultOptions.
type Options struct {
	// Dimension is the vector length every extracted vector must have.
	// Zero disables the check.
	Dimension int

	OverFetch               int
	DefaultMaxResults       int
	MaxResultsLimit         int
	DefaultThreshold        float64
	MaxHydrationFailureRate float64
	HydrationConcurrency    int

	StoreTimeout        time.Duration
	EmbedTimeout        time.Duration
	CompensationTimeout time.Duration

	// DeleteRetry bounds the vector and blob steps of Delete.
	DeleteRetry retry.Policy

	MultiFacePolicy MultiFacePolicy
	// DisableVectorEcho stops Index from copying the vector into the
	// metadata row. Face id search then re-extracts from the stored image.
	DisableVectorEcho bool

	MaxImageBytes      int
	MaxMetadataEntries int
	MaxMetadataBytes   int

	MigrateConcurrency int
	DefaultBatchSize   int
	MaxBatchSize       int
}

func DefaultOptions() Options {
	return Options{
		OverFetch:               3,
		DefaultMaxResults:       10,
		MaxResultsLimit:         100,
		DefaultThreshold:        0.8,
		MaxHydrationFailureRate: 0.5,
		HydrationConcurrency:    8,
		StoreTimeout:            10 * time.Second,
		EmbedTimeout:            30 * time.Second,
		CompensationTimeout:     30 * time.Second,
		DeleteRetry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		MaxImageBytes:      15 << 20,
		MaxMetadataEntries: 32,
		MaxMetadataBytes:   4096,
		MigrateConcurrency: 4,
		DefaultBatchSize:   50,
		MaxBatchSize:       1000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.OverFetch <= 0 {
		o.OverFetch = d.OverFetch
	}
	if o.DefaultMaxResults <= 0 {
		o.DefaultMaxResults = d.DefaultMaxResults
	}
	if o.MaxResultsLimit <= 0 {
		o.MaxResultsLimit = d.MaxResultsLimit
	}
	if o.DefaultThreshold <= 0 || o.DefaultThreshold > 1 {
		o.DefaultThreshold = d.DefaultThreshold
	}
	if o.MaxHydrationFailureRate <= 0 || o.MaxHydrationFailureRate > 1 {
		o.MaxHydrationFailureRate = d.MaxHydrationFailureRate
	}
	if o.HydrationConcurrency <= 0 {
		o.HydrationConcurrency = d.HydrationConcurrency
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = d.StoreTimeout
	}
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = d.EmbedTimeout
	}
	if o.CompensationTimeout <= 0 {
		o.CompensationTimeout = d.CompensationTimeout
	}
	if o.DeleteRetry.MaxAttempts <= 0 {
		o.DeleteRetry = d.DeleteRetry
	}
	if o.MaxImageBytes <= 0 {
		o.MaxImageBytes = d.MaxImageBytes
	}
	if o.MaxMetadataEntries <= 0 {
		o.MaxMetadataEntries = d.MaxMetadataEntries
	}
	if o.MaxMetadataBytes <= 0 {
		o.MaxMetadataBytes = d.MaxMetadataBytes
	}
	if o.MigrateConcurrency <= 0 {
		o.MigrateConcurrency = d.MigrateConcurrency
	}
	if o.DefaultBatchSize <= 0 {
		o.DefaultBatchSize = d.DefaultBatchSize
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = d.MaxBatchSize
	}
	return o
}
