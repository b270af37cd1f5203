package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/maciekb2/enrichment-pipeline/pkg/flow"
	_ "modernc.org/sqlite"
)

const DefaultTable = "items"

type dialect struct {
	driver      string
	placeholder sq.PlaceholderFormat
	timestamp   string
}

var dialects = map[string]dialect{
	"pgx":    {driver: "pgx", placeholder: sq.Dollar, timestamp: "TIMESTAMPTZ"},
	"sqlite": {driver: "sqlite", placeholder: sq.Question, timestamp: "DATETIME"},
}

// SQLStore works against Postgres (pgx) and SQLite (modernc) alike.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	sb      sq.StatementBuilderType
	table   string
	now     func() time.Time
}

// Open connects with one of the registered drivers: "pgx" or "sqlite".
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if driver == "sqlite" {
		// One writer at a time; an in-memory database also lives on a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return New(db, driver), nil
}

func New(db *sql.DB, driver string) *SQLStore {
	d, ok := dialects[driver]
	if !ok {
		d = dialects["pgx"]
	}
	return &SQLStore{
		db:      db,
		dialect: d,
		sb:      sq.StatementBuilder.PlaceholderFormat(d.placeholder),
		table:   DefaultTable,
		now:     time.Now,
	}
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	ts := s.dialect.timestamp
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	source TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	summary TEXT NULL,
	published_at ` + ts + ` NULL,
	crawled_at ` + ts + ` NOT NULL,
	enriched_at ` + ts + ` NULL,
	content_hash TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS ` + s.table + `_unenriched_idx ON ` + s.table + ` (crawled_at) WHERE summary IS NULL`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

// Insert adds a row the way the ingestion side does: enrichment left unset.
func (s *SQLStore) Insert(ctx context.Context, item flow.WorkItem) error {
	query, args, err := s.sb.Insert(s.table).
		Columns("id", "title", "source", "url", "content", "summary", "published_at", "crawled_at", "content_hash").
		Values(item.ID, item.Title, item.Source, item.URL, item.Content, nullString(item.Summary), nullTime(item.PublishedAt), item.CrawledAt.UTC(), item.ContentHash).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: insert %s: %w", item.ID, err)
	}
	return nil
}

func (s *SQLStore) SelectUnenriched(ctx context.Context) ([]flow.WorkItem, error) {
	query, args, err := s.sb.
		Select("id", "title", "source", "url", "published_at", "crawled_at", "content_hash").
		From(s.table).
		Where(sq.Eq{"summary": nil}).
		OrderBy("crawled_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build select: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: select unenriched: %w", err)
	}
	defer rows.Close()

	var items []flow.WorkItem
	for rows.Next() {
		var (
			item      flow.WorkItem
			published sql.NullTime
		)
		if err := rows.Scan(&item.ID, &item.Title, &item.Source, &item.URL, &published, &item.CrawledAt, &item.ContentHash); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		item.PublishedAt = timePtr(published)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rows: %w", err)
	}
	return items, nil
}

func (s *SQLStore) GetContent(ctx context.Context, id string) (flow.WorkItem, error) {
	query, args, err := s.sb.
		Select("id", "title", "source", "url", "content", "summary", "published_at", "crawled_at", "content_hash").
		From(s.table).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return flow.WorkItem{}, fmt.Errorf("store: build get: %w", err)
	}

	var (
		item      flow.WorkItem
		summary   sql.NullString
		published sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&item.ID, &item.Title, &item.Source, &item.URL, &item.Content,
		&summary, &published, &item.CrawledAt, &item.ContentHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return flow.WorkItem{}, ErrNotFound
	}
	if err != nil {
		return flow.WorkItem{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	if summary.Valid {
		item.Summary = &summary.String
	}
	item.PublishedAt = timePtr(published)
	return item, nil
}

func (s *SQLStore) SetEnrichmentIfAbsent(ctx context.Context, id, result string) (bool, error) {
	query, args, err := s.sb.Update(s.table).
		Set("summary", result).
		Set("enriched_at", s.now().UTC()).
		Where(sq.Eq{"id": id, "summary": nil}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("store: build update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("store: set enrichment %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: set enrichment %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, field DateField) (int64, error) {
	if err := field.valid(); err != nil {
		return 0, err
	}
	query, args, err := s.sb.Delete(s.table).Where(sq.Lt{string(field): cutoff.UTC()}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("store: build delete: %w", err)
	}
	return s.exec(ctx, "delete older than", query, args)
}

// ResetEnrichmentOlderThan clears results written before cutoff so the items
// become eligible for prioritization again.
func (s *SQLStore) ResetEnrichmentOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := s.sb.Update(s.table).
		Set("summary", nil).
		Set("enriched_at", nil).
		Where(sq.Lt{string(byEnrichDate): cutoff.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("store: build reset: %w", err)
	}
	return s.exec(ctx, "reset enrichment", query, args)
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args []interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: %s: %w", op, err)
	}
	return n, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*SQLStore)(nil)
