// Package sqlite persists diagrams in a local SQLite file using the pure-Go
// modernc driver. It is the default fallback backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver

	sheeterr "sheetcore/internal/errors"
	"sheetcore/pkg/domain"
)

var _ domain.DiagramStore = (*Store)(nil)

const backendName = "sqlite"

const schema = `CREATE TABLE IF NOT EXISTS diagrams (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	xml_content TEXT NOT NULL DEFAULT '',
	svg_content TEXT NOT NULL DEFAULT '',
	thumbnail TEXT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS diagrams_owner_updated ON diagrams(owner_id, updated_at DESC);`

// Store is a SQLite-backed diagram store scoped to one owner.
type Store struct {
	db    *sql.DB
	path  string
	owner string
	mu    sync.Mutex
	nowFn func() time.Time
}

// NewStore opens (creating if needed) the database at path and ensures the
// diagrams table exists. An empty path uses "sheets.db".
func NewStore(path, owner string) (*Store, error) {
	if path == "" {
		path = "sheets.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create diagrams table: %w", err)
		}
	}
	return &Store{db: db, path: path, owner: owner, nowFn: func() time.Time { return time.Now().UTC() }}, nil
}

// SetNow overrides the timestamp source.
func (s *Store) SetNow(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// Name implements domain.DiagramStore.
func (s *Store) Name() string { return backendName }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

const selectColumns = `id, owner_id, name, xml_content, svg_content, thumbnail, created_at, updated_at`

// Get implements domain.DiagramStore.
func (s *Store) Get(ctx context.Context, id string) (*domain.Diagram, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM diagrams WHERE id = ? AND owner_id = ?`, id, s.owner)
	d, err := scanDiagram(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get", err)
	}
	return &d, nil
}

// List implements domain.DiagramStore.
func (s *Store) List(ctx context.Context) ([]domain.Diagram, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM diagrams WHERE owner_id = ? ORDER BY updated_at DESC, id ASC`, s.owner)
	if err != nil {
		return nil, classify("list", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Diagram
	for rows.Next() {
		d, err := scanDiagram(rows)
		if err != nil {
			return nil, classify("list", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list", err)
	}
	return out, nil
}

// Save implements domain.DiagramStore.
func (s *Store) Save(ctx context.Context, d domain.Diagram) (domain.Diagram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := s.nowFn()
	d.OwnerID = s.owner
	d.CreatedAt = now
	d.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `INSERT INTO diagrams(`+selectColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		d.ID, d.OwnerID, d.Name, d.XMLContent, d.SVGContent, nullable(d.Thumbnail), now.UnixNano(), now.UnixNano())
	if err != nil {
		return domain.Diagram{}, classify("save", err)
	}
	return d.Clone(), nil
}

// Update implements domain.DiagramStore.
func (s *Store) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Diagram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.Get(ctx, id)
	if err != nil || current == nil {
		return nil, err
	}
	patch.Apply(current)
	current.UpdatedAt = s.nowFn()
	res, err := s.db.ExecContext(ctx, `UPDATE diagrams SET name = ?, xml_content = ?, svg_content = ?, thumbnail = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
		current.Name, current.XMLContent, current.SVGContent, nullable(current.Thumbnail), current.UpdatedAt.UnixNano(), id, s.owner)
	if err != nil {
		return nil, classify("update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, nil
	}
	return current, nil
}

// Delete implements domain.DiagramStore.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM diagrams WHERE id = ? AND owner_id = ?`, id, s.owner)
	if err != nil {
		return false, classify("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("delete", err)
	}
	return n > 0, nil
}

// Close implements domain.DiagramStore.
func (s *Store) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanDiagram(row scanner) (domain.Diagram, error) {
	var (
		d                domain.Diagram
		thumb            sql.NullString
		created, updated int64
	)
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Name, &d.XMLContent, &d.SVGContent, &thumb, &created, &updated); err != nil {
		return domain.Diagram{}, err
	}
	if thumb.Valid {
		v := thumb.String
		d.Thumbnail = &v
	}
	d.CreatedAt = time.Unix(0, created).UTC()
	d.UpdatedAt = time.Unix(0, updated).UTC()
	return d, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func classify(op string, err error) error {
	class := sheeterr.Transient
	if strings.Contains(err.Error(), "no such table") {
		class = sheeterr.FatalSchema
	}
	return sheeterr.NewPersistenceError(backendName, op, class, err)
}
