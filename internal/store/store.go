// Package store persists enrolled face samples: one immutable row per
// (name, metadata, encoded embedding). Rows are only ever appended.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"
)

var (
	ErrEmptyName      = errors.New("name must not be empty")
	ErrEmptyEmbedding = errors.New("embedding must not be empty")
)

// Error is a storage-layer failure: the backing database was unreachable,
// unwritable, or returned an I/O error. It is never retried here.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Metadata is the optional demographic data entered at enrollment.
// Empty strings and a nil Age are stored as NULL.
type Metadata struct {
	Gender    string
	Age       *int
	Ethnicity string
}

// Record is one stored face sample. Embedding holds the codec payload, not
// the decoded vector: decoding is the reader's job so a corrupt row never
// fails a scan.
type Record struct {
	ID        int64
	Name      string
	Metadata  Metadata
	Embedding string
	CreatedAt time.Time
}

// PersonDetails is what the overlay shows next to an identified face.
type PersonDetails struct {
	Name string
	Metadata
}

// DetailsPolicy picks which record answers FindDetails when a name has been
// enrolled more than once.
type DetailsPolicy int

const (
	// DetailsFirst returns the earliest enrollment for a name.
	DetailsFirst DetailsPolicy = iota
	// DetailsLatest returns the most recent enrollment for a name.
	DetailsLatest
)

// ParseDetailsPolicy maps "first" or "latest" to a DetailsPolicy.
func ParseDetailsPolicy(s string) (DetailsPolicy, error) {
	switch strings.ToLower(s) {
	case "", "first":
		return DetailsFirst, nil
	case "latest":
		return DetailsLatest, nil
	}
	return 0, fmt.Errorf("unknown details policy %q (use first or latest)", s)
}

func (p DetailsPolicy) String() string {
	if p == DetailsLatest {
		return "latest"
	}
	return "first"
}

func (p DetailsPolicy) order() string {
	if p == DetailsLatest {
		return "DESC"
	}
	return "ASC"
}

// Store is the Identity Store contract. Implementations must give every
// scan a consistent snapshot even while Insert runs concurrently.
type Store interface {
	// Insert encodes the embedding and appends a new record.
	Insert(ctx context.Context, name string, meta Metadata, embedding []float64) (int64, error)
	// ScanAll yields every record in insertion order.
	ScanAll(ctx context.Context) iter.Seq2[Record, error]
	// ScanAfter yields records with ID > afterID in insertion order.
	ScanAfter(ctx context.Context, afterID int64) iter.Seq2[Record, error]
	// FindDetails returns nil, nil when no record carries name.
	FindDetails(ctx context.Context, name string) (*PersonDetails, error)
	// Reset drops and recreates the gallery table.
	Reset(ctx context.Context) error
	Close() error
}

// Options configures Open.
type Options struct {
	Logger  *slog.Logger
	Details DetailsPolicy
}

// Open initializes the store at location. A postgres:// or postgresql:// URL
// selects the PostgreSQL backend; anything else is a SQLite file path.
// The schema is created if missing, so Open is safe on every startup.
func Open(ctx context.Context, location string, opts Options) (Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if strings.HasPrefix(location, "postgres://") || strings.HasPrefix(location, "postgresql://") {
		return NewPostgres(ctx, location, opts)
	}
	return NewSQLite(ctx, location, opts)
}

func validateInsert(name string, embedding []float64) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if len(embedding) == 0 {
		return ErrEmptyEmbedding
	}
	return nil
}
