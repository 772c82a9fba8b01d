// Package legacy reads face records out of the systems being migrated away
// from: an upload bucket laid out as uploads/<user_id>/<file>, or the old
// face table.
package legacy

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Fetch when the record's image is gone.
var ErrNotFound = errors.New("legacy: image not found")

// Record is one legacy face. Ref identifies it within its source and is what
// failures are reported against.
type Record struct {
	Ref             string
	ImageKey        string
	UserID          string
	ExternalImageID string
	Metadata        map[string]string
}

// Page is one listing step. Cursor resumes after the last record; Done means
// nothing follows.
type Page struct {
	Records []Record
	Cursor  string
	Done    bool
}

// Source lists records in a stable order and fetches their images.
// sourceRef selects the legacy collection (a key prefix or a source
// collection name, depending on the source).
type Source interface {
	List(ctx context.Context, sourceRef, cursor string, limit int) (Page, error)
	Fetch(ctx context.Context, rec Record) ([]byte, error)
}
