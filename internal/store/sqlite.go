package store

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/watchtower/internal/codec"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLite is the default file-backed gallery.
type SQLite struct {
	db      *sql.DB
	log     *slog.Logger
	details DetailsPolicy
}

// NewSQLite opens (creating if needed) the SQLite database at path and
// ensures the schema exists.
func NewSQLite(ctx context.Context, path string, opts Options) (*SQLite, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, wrapError("init", fmt.Errorf("failed to create database directory: %w", err))
		}
	}

	// WAL lets a scan keep its snapshot while an enrollment commits, and
	// busy_timeout makes concurrent writers wait instead of failing.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapError("init", fmt.Errorf("failed to open database: %w", err))
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrapError("init", fmt.Errorf("failed to open database: %w", err))
	}
	if err := initSQLiteSchema(ctx, db); err != nil {
		db.Close()
		return nil, wrapError("init", fmt.Errorf("failed to initialize database schema: %w", err))
	}

	opts.Logger.Debug("gallery opened", "backend", "sqlite", "path", path, "details_policy", opts.Details.String())
	return &SQLite{db: db, log: opts.Logger, details: opts.Details}, nil
}

// initSQLiteSchema creates the faces table if it doesn't exist (Auto-Migration).
func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS faces (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			gender TEXT,
			age INTEGER,
			ethnicity TEXT,
			embedding TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS faces_name_idx ON faces (name);
	`)
	return err
}

// Close closes the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Insert encodes the embedding and appends one record in its own statement.
func (s *SQLite) Insert(ctx context.Context, name string, meta Metadata, embedding []float64) (int64, error) {
	if err := validateInsert(name, embedding); err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}
	enc, err := codec.EncodeVector(embedding)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO faces (name, gender, age, ethnicity, embedding)
		VALUES (?, ?, ?, ?, ?)
	`, name, nullString(meta.Gender), nullInt(meta.Age), nullString(meta.Ethnicity), enc)
	if err != nil {
		return 0, wrapError("insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapError("insert", err)
	}

	s.log.Info("face enrolled", "id", id, "name", name, "dim", len(embedding))
	return id, nil
}

// ScanAll yields every record in insertion order.
func (s *SQLite) ScanAll(ctx context.Context) iter.Seq2[Record, error] {
	return s.ScanAfter(ctx, 0)
}

// ScanAfter yields records with ID > afterID. The rows come from a single
// SELECT, which SQLite runs against one read snapshot.
func (s *SQLite) ScanAfter(ctx context.Context, afterID int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, name, gender, age, ethnicity, embedding, created_at
			FROM faces WHERE id > ? ORDER BY id ASC
		`, afterID)
		if err != nil {
			yield(Record{}, wrapError("scan", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec       Record
				gender    sql.NullString
				age       sql.NullInt64
				ethnicity sql.NullString
				createdAt any
			)
			if err := rows.Scan(&rec.ID, &rec.Name, &gender, &age, &ethnicity, &rec.Embedding, &createdAt); err != nil {
				yield(Record{}, wrapError("scan", err))
				return
			}
			rec.Metadata = metadataFromNull(gender, age, ethnicity)
			rec.CreatedAt = parseTimestamp(createdAt)
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
func (s *SQLite) FindDetails(ctx context.Context, name string) (*PersonDetails, error) {
	var (
		gender    sql.NullString
		age       sql.NullInt64
		ethnicity sql.NullString
	)
	query := `SELECT gender, age, ethnicity FROM faces WHERE name = ? ORDER BY id ` + s.details.order() + ` LIMIT 1`
	err := s.db.QueryRowContext(ctx, query, name).Scan(&gender, &age, &ethnicity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError("find details", err)
	}
	return &PersonDetails{Name: name, Metadata: metadataFromNull(gender, age, ethnicity)}, nil
}

// Reset drops the gallery and recreates an empty schema.
func (s *SQLite) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS faces;`); err != nil {
		return wrapError("reset", err)
	}
	return wrapError("reset", initSQLiteSchema(ctx, s.db))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func metadataFromNull(gender sql.NullString, age sql.NullInt64, ethnicity sql.NullString) Metadata {
	m := Metadata{Gender: gender.String, Ethnicity: ethnicity.String}
	if age.Valid {
		a := int(age.Int64)
		m.Age = &a
	}
	return m
}

// sqliteTimeLayouts are the text forms CURRENT_TIMESTAMP and the driver may
// hand back for a TIMESTAMP column.
var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05Z07:00",
	time.RFC3339Nano,
}

func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		return parseTimeText(t)
	case []byte:
		return parseTimeText(string(t))
	case int64:
		return time.Unix(t, 0).UTC()
	}
	return time.Time{}
}

func parseTimeText(s string) time.Time {
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
