package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

var _ Store = (*Badger)(nil)

// Badger stores progress msgpack-encoded in BadgerDB.
type Badger struct {
	db *badger.DB
}

// BadgerOptions configures the checkpoint store.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory runs BadgerDB without disk persistence.
	InMemory bool

	// Logger receives badger's own log lines. Nil silences them.
	Logger *slog.Logger
}

func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("checkpoint: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(slogLogger{l: opts.Logger})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Load(_ context.Context, sourceRef, target string) (Progress, error) {
	var p Progress
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key(sourceRef, target)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &p)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Progress{}, ErrNotFound
	}
	if err != nil {
		return Progress{}, fmt.Errorf("checkpoint: load: %w", err)
	}
	return p, nil
}

func (b *Badger) Save(_ context.Context, p Progress) error {
	val, err := msgpack.Marshal(&p)
	if err != nil {
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key(p.SourceRef, p.TargetCollectionID)), val)
	})
	if err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

func (b *Badger) List(_ context.Context) ([]Progress, error) {
	var out []Progress
	prefix := []byte(keyPrefix)
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p Progress
			err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &p)
			})
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	sortProgress(out)
	return out, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// slogLogger routes badger output to slog. Badger is chatty at info level,
// so info and debug go to debug.
type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Errorf(format string, args ...any) {
	if s.l != nil {
		s.l.Error(fmt.Sprintf(format, args...), "component", "badger")
	}
}

func (s slogLogger) Warningf(format string, args ...any) {
	if s.l != nil {
		s.l.Warn(fmt.Sprintf(format, args...), "component", "badger")
	}
}

func (s slogLogger) Infof(format string, args ...any) {
	if s.l != nil {
		s.l.Debug(fmt.Sprintf(format, args...), "component", "badger")
	}
}

func (s slogLogger) Debugf(format string, args ...any) {
	if s.l != nil {
		s.l.Debug(fmt.Sprintf(format, args...), "component", "badger")
	}
}
