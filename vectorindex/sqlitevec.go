package vectorindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/mattn/go-sqlite3"

	"FACEINDEX/retry"
)

func init() {
	sqlite_vec.Auto()
}

var _ Index = (*SQLiteVec)(nil)

// maxK is the largest k a vec0 KNN query accepts.
const maxK = 4096

// SQLiteVec is an Index on a vec0 virtual table with collection_id as the
// partition key and cosine distance.
type SQLiteVec struct {
	db        *sql.DB
	dimension int
	policy    retry.Policy
}

// NewSQLiteVec opens (or creates) the database at dbPath.
func NewSQLiteVec(dbPath string, dimension int, policy retry.Policy) (*SQLiteVec, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("vectorindex: dimension must be positive, got %d", dimension)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	ddl := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS face_vectors USING vec0(
	face_id TEXT PRIMARY KEY,
	collection_id TEXT PARTITION KEY,
	embedding float[%d] distance_metric=cosine
)`, dimension)
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating face_vectors virtual table: %w", err)
	}

	if policy.Classify == nil {
		policy.Classify = classifySQLite
	}
	return &SQLiteVec{db: db, dimension: dimension, policy: policy}, nil
}

func (s *SQLiteVec) Upsert(ctx context.Context, collectionID, faceID string, vector []float32) error {
	if err := checkDimension(s.dimension, vector); err != nil {
		return retry.Permanent(err)
	}
	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return retry.Permanent(fmt.Errorf("serializing embedding: %w", err))
	}

	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// vec0 has no ON CONFLICT.
		if _, err := tx.ExecContext(ctx, `DELETE FROM face_vectors WHERE face_id = ?`, faceID); err != nil {
			return fmt.Errorf("deleting existing vector %s: %w", faceID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO face_vectors(face_id, collection_id, embedding) VALUES (?, ?, ?)`,
			faceID, collectionID, blob); err != nil {
			return fmt.Errorf("inserting vector %s: %w", faceID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing vector upsert: %w", err)
		}
		return nil
	})
}

// Delete removes the vector if it belongs to collectionID.
func (s *SQLiteVec) Delete(ctx context.Context, collectionID, faceID string) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		var owner string
		err := s.db.QueryRowContext(ctx,
			`SELECT collection_id FROM face_vectors WHERE face_id = ?`, faceID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("looking up vector %s: %w", faceID, err)
		}
		if owner != collectionID {
			return nil
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM face_vectors WHERE face_id = ?`, faceID); err != nil {
			return fmt.Errorf("deleting vector %s: %w", faceID, err)
		}
		return nil
	})
}

func (s *SQLiteVec) Query(ctx context.Context, collectionID string, vector []float32, k int) ([]Candidate, error) {
	if err := checkDimension(s.dimension, vector); err != nil {
		return nil, retry.Permanent(err)
	}
	if k <= 0 {
		return nil, nil
	}
	if k > maxK {
		k = maxK
	}
	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("serializing query vector: %w", err))
	}

	const q = `SELECT face_id, distance
FROM face_vectors
WHERE embedding MATCH ? AND k = ? AND collection_id = ?
ORDER BY distance`

	var out []Candidate
	err = retry.Do(ctx, s.policy, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, q, blob, k, collectionID)
		if err != nil {
			return fmt.Errorf("searching vectors: %w", err)
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			var c Candidate
			var distance float64
			if err := rows.Scan(&c.FaceID, &distance); err != nil {
				return fmt.Errorf("scanning vector result: %w", err)
			}
			c.Score = clampScore(1 - distance)
			out = append(out, c)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating vector results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortCandidates(out)
	return out, nil
}

func (s *SQLiteVec) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteVec) Close() error {
	return s.db.Close()
}

func classifySQLite(err error) retry.Kind {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return retry.KindRetryable
		}
		return retry.KindPermanent
	}
	return retry.KindOf(err)
}
