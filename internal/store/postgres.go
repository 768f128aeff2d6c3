package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/andresmejia3/watchtower/internal/codec"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps the gallery in a PostgreSQL database. A pool is used so an
// enrollment can insert while the pipeline scans.
type Postgres struct {
	pool    *pgxpool.Pool
	log     *slog.Logger
	details DetailsPolicy
}

// NewPostgres establishes a connection pool and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string, opts Options) (*Postgres, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, wrapError("init", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapError("init", fmt.Errorf("failed to connect to database: %w", err))
	}

	// Initialize schema (Auto-Migration)
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, wrapError("init", fmt.Errorf("failed to initialize database schema: %w", err))
	}

	opts.Logger.Debug("gallery opened", "backend", "postgres", "details_policy", opts.Details.String())
	return &Postgres{pool: pool, log: opts.Logger, details: opts.Details}, nil
}

// initPostgresSchema creates the faces table if it doesn't exist.
func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS faces (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			gender TEXT,
			age INT,
			ethnicity TEXT,
			embedding TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS faces_name_idx ON faces (name);
	`)
	return err
}

// Close terminates the connection pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// Insert encodes the embedding and appends one record.
func (s *Postgres) Insert(ctx context.Context, name string, meta Metadata, embedding []float64) (int64, error) {
	if err := validateInsert(name, embedding); err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}
	enc, err := codec.EncodeVector(embedding)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO faces (name, gender, age, ethnicity, embedding)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, name, optString(meta.Gender), meta.Age, optString(meta.Ethnicity), enc).Scan(&id)
	if err != nil {
		return 0, wrapError("insert", err)
	}

	s.log.Info("face enrolled", "id", id, "name", name, "dim", len(embedding))
	return id, nil
}

// ScanAll yields every record in insertion order.
func (s *Postgres) ScanAll(ctx context.Context) iter.Seq2[Record, error] {
	return s.ScanAfter(ctx, 0)
}

// ScanAfter yields records with ID > afterID. A single statement sees one
// snapshot, so rows committed mid-scan are either fully visible or absent.
func (s *Postgres) ScanAfter(ctx context.Context, afterID int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		rows, err := s.pool.Query(ctx, `
			SELECT id, name, gender, age, ethnicity, embedding, created_at
			FROM faces WHERE id > $1 ORDER BY id ASC
		`, afterID)
		if err != nil {
			yield(Record{}, wrapError("scan", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec       Record
				gender    *string
				age       *int32
				ethnicity *string
				createdAt time.Time
			)
			if err := rows.Scan(&rec.ID, &rec.Name, &gender, &age, &ethnicity, &rec.Embedding, &createdAt); err != nil {
				yield(Record{}, wrapError("scan", err))
				return
			}
			rec.Metadata = metadataFromPtr(gender, age, ethnicity)
			rec.CreatedAt = createdAt
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Record{}, wrapError("scan", err))
		}
	}
}

// FindDetails returns the metadata of the first (or latest, per policy)
// record enrolled under name.
func (s *Postgres) FindDetails(ctx context.Context, name string) (*PersonDetails, error) {
	var (
		gender    *string
		age       *int32
		ethnicity *string
	)
	query := `SELECT gender, age, ethnicity FROM faces WHERE name = $1 ORDER BY id ` + s.details.order() + ` LIMIT 1`
	err := s.pool.QueryRow(ctx, query, name).Scan(&gender, &age, &ethnicity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError("find details", err)
	}
	return &PersonDetails{Name: name, Metadata: metadataFromPtr(gender, age, ethnicity)}, nil
}

// Reset drops the gallery table and recreates an empty schema.
// This is useful for development to force a schema refresh without migrations.
func (s *Postgres) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS faces CASCADE;`); err != nil {
		return wrapError("reset", err)
	}
	return wrapError("reset", initPostgresSchema(ctx, s.pool))
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func metadataFromPtr(gender *string, age *int32, ethnicity *string) Metadata {
	var m Metadata
	if gender != nil {
		m.Gender = *gender
	}
	if ethnicity != nil {
		m.Ethnicity = *ethnicity
	}
	if age != nil {
		a := int(*age)
		m.Age = &a
	}
	return m
}
