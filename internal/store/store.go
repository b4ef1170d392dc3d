package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailmirror/internal/apperr"
)

//go:embed schema.sql
var schemaSQL string

// Supported database/sql driver names
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

var fieldPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)

// Store is a document store: named collections of JSON documents keyed by id
type Store struct {
	db *sqlx.DB
}

// Filter narrows a listing to an exact field match or to a set of ids
type Filter struct {
	Field string
	Value any
	IDs   []string
}

// Match filters on field == value
func Match(field string, value any) *Filter {
	return &Filter{Field: field, Value: value}
}

// ByIDs filters on document id
func ByIDs(ids ...string) *Filter {
	if ids == nil {
		ids = []string{}
	}
	return &Filter{IDs: ids}
}

// ListOptions controls filtering, ordering and paging of List
type ListOptions struct {
	Filter *Filter
	SortBy string
	Desc   bool
	Limit  int
	Offset int
}

// Page is one listing result; Count is the total number of matches ignoring paging
type Page[T any] struct {
	Count int `json:"count"`
	List  []T `json:"list"`
}

// Open opens or creates the document database at path using the given driver
func Open(driver, path string) (*Store, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sqlx.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func dsn(driver, path string) string {
	if path == ":memory:" {
		return path
	}
	if driver == DriverCgo {
		return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Create stores doc in collection under a fresh id and returns the id
func (s *Store) Create(ctx context.Context, collection string, doc any) (string, error) {
	id := uuid.NewString()

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("document must be a JSON object: %w", err)
	}
	fields["id"] = id
	body, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}

	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, collection, id, string(body), now, now)
	if err != nil {
		return "", fmt.Errorf("failed to insert document: %w", err)
	}

	return id, nil
}

// List returns the documents of collection matching opts, decoded into T
func List[T any](ctx context.Context, s *Store, collection string, opts ListOptions) (Page[T], error) {
	where := "collection = ?"
	args := []any{collection}

	if f := opts.Filter; f != nil {
		switch {
		case f.IDs != nil:
			if len(f.IDs) == 0 {
				return Page[T]{List: []T{}}, nil
			}
			where += " AND id IN (?)"
			args = append(args, f.IDs)
		case f.Field != "":
			path, err := jsonPath(f.Field)
			if err != nil {
				return Page[T]{}, err
			}
			where += " AND json_extract(body, '" + path + "') = ?"
			args = append(args, f.Value)
		}
	}

	countQuery, countArgs, err := sqlx.In("SELECT COUNT(*) FROM documents WHERE "+where, args...)
	if err != nil {
		return Page[T]{}, fmt.Errorf("failed to build count query: %w", err)
	}
	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(countQuery), countArgs...); err != nil {
		return Page[T]{}, fmt.Errorf("failed to count documents: %w", err)
	}

	order := "created_at, id"
	if opts.SortBy != "" {
		path, err := jsonPath(opts.SortBy)
		if err != nil {
			return Page[T]{}, err
		}
		order = "json_extract(body, '" + path + "')"
		if opts.Desc {
			order += " DESC"
		}
		order += ", id"
	}

	query := "SELECT body FROM documents WHERE " + where + " ORDER BY " + order
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", opts.Limit, opts.Offset)
	}
	query, args, err = sqlx.In(query, args...)
	if err != nil {
		return Page[T]{}, fmt.Errorf("failed to build list query: %w", err)
	}

	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies, s.db.Rebind(query), args...); err != nil {
		return Page[T]{}, fmt.Errorf("failed to query documents: %w", err)
	}

	page := Page[T]{Count: count, List: make([]T, 0, len(bodies))}
	for _, body := range bodies {
		var item T
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			return Page[T]{}, fmt.Errorf("failed to decode document: %w", err)
		}
		page.List = append(page.List, item)
	}

	return page, nil
}

// Update merges fields into the stored document. Absent keys are left untouched.
func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	patch := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == "id" {
			continue
		}
		patch[k] = v
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET body = json_patch(body, ?),
		    updated_at = ?
		WHERE collection = ? AND id = ?
	`, string(body), time.Now().UnixMilli(), collection, id)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("document", collection+"/"+id)
	}
	return nil
}

// Delete removes one document
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM documents WHERE collection = ? AND id = ?
	`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n == 0 {
		return apperr.NotFound("document", collection+"/"+id)
	}
	return nil
}

// DeleteCollection removes every document of collection
func (s *Store) DeleteCollection(ctx context.Context, collection string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM documents WHERE collection = ?
	`, collection); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", collection, err)
	}
	return nil
}

func jsonPath(field string) (string, error) {
	if !fieldPattern.MatchString(field) {
		return "", fmt.Errorf("invalid document field %q", field)
	}
	return "$." + field, nil
}

// toFields converts a document struct into a partial-update map
func toFields(doc any) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	return fields, nil
}
