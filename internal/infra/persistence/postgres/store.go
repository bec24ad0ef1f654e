// Package postgres persists diagrams in PostgreSQL through the pgx
// database/sql driver. It is the primary remote backend.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	sheeterr "sheetcore/internal/errors"
	"sheetcore/pkg/domain"
)

var _ domain.DiagramStore = (*Store)(nil)

const (
	backendName   = "postgres"
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/sheets?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// DDL creates the diagrams table. It is applied only when Options.AutoMigrate
// is set; otherwise a missing table is reported as a schema failure.
const DDL = `CREATE TABLE IF NOT EXISTS diagrams (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	xml_content TEXT NOT NULL DEFAULT '',
	svg_content TEXT NOT NULL DEFAULT '',
	thumbnail TEXT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS diagrams_owner_updated ON diagrams(owner_id, updated_at DESC)`

// Options configures NewStore.
type Options struct {
	DSN         string
	Owner       string
	AutoMigrate bool
}

// Store is a Postgres-backed diagram store scoped to one owner.
type Store struct {
	db    *sql.DB
	owner string

	nowMu sync.RWMutex
	nowFn func() time.Time
}

// NewStore opens a lazily connected handle. Connection failures surface on
// the first call, classified like any other backend error.
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	dsn := opts.DSN
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &Store{db: db, owner: opts.Owner, nowFn: func() time.Time { return time.Now().UTC() }}
	if opts.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Migrate applies DDL statement by statement.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(DDL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classify("migrate", err)
		}
	}
	return nil
}

// SetNow overrides the timestamp source.
func (s *Store) SetNow(fn func() time.Time) {
	s.nowMu.Lock()
	defer s.nowMu.Unlock()
	s.nowFn = fn
}

func (s *Store) now() time.Time {
	s.nowMu.RLock()
	defer s.nowMu.RUnlock()
	return s.nowFn()
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Name implements domain.DiagramStore.
func (s *Store) Name() string { return backendName }

const selectColumns = `id, owner_id, name, xml_content, svg_content, thumbnail, created_at, updated_at`

func (s *Store) principal(op string) error {
	if strings.TrimSpace(s.owner) == "" {
		return sheeterr.NewPersistenceError(backendName, op, sheeterr.FatalAuth, sheeterr.ErrNoPrincipal)
	}
	return nil
}

// Get implements domain.DiagramStore.
func (s *Store) Get(ctx context.Context, id string) (*domain.Diagram, error) {
	if err := s.principal("get"); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM diagrams WHERE id = $1 AND owner_id = $2`, id, s.owner)
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
	if err := s.principal("list"); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM diagrams WHERE owner_id = $1 ORDER BY updated_at DESC, id ASC`, s.owner)
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
	if err := s.principal("save"); err != nil {
		return domain.Diagram{}, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := s.now()
	d.OwnerID = s.owner
	d.CreatedAt = now
	d.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `INSERT INTO diagrams (`+selectColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.OwnerID, d.Name, d.XMLContent, d.SVGContent, nullable(d.Thumbnail), now, now)
	if err != nil {
		return domain.Diagram{}, classify("save", err)
	}
	return d.Clone(), nil
}

// Update implements domain.DiagramStore. Unset patch fields keep their
// stored values through COALESCE.
func (s *Store) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Diagram, error) {
	if err := s.principal("update"); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `UPDATE diagrams SET
		name = COALESCE($3, name),
		xml_content = COALESCE($4, xml_content),
		svg_content = COALESCE($5, svg_content),
		thumbnail = COALESCE($6, thumbnail),
		updated_at = $7
		WHERE id = $1 AND owner_id = $2
		RETURNING `+selectColumns,
		id, s.owner, nullable(patch.Name), nullable(patch.XMLContent), nullable(patch.SVGContent), nullable(patch.Thumbnail), s.now())
	d, err := scanDiagram(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("update", err)
	}
	return &d, nil
}

// Delete implements domain.DiagramStore.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.principal("delete"); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM diagrams WHERE id = $1 AND owner_id = $2`, id, s.owner)
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
		d     domain.Diagram
		thumb sql.NullString
	)
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Name, &d.XMLContent, &d.SVGContent, &thumb, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return domain.Diagram{}, err
	}
	if thumb.Valid {
		v := thumb.String
		d.Thumbnail = &v
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// SQLSTATE codes that trip the gateway's breaker.
var fatalCodes = map[string]sheeterr.Class{
	"42P01": sheeterr.FatalSchema, // undefined_table
	"3F000": sheeterr.FatalSchema, // invalid_schema_name
	"3D000": sheeterr.FatalSchema, // invalid_catalog_name
	"42501": sheeterr.FatalAuth,   // insufficient_privilege
	"28000": sheeterr.FatalAuth,   // invalid_authorization_specification
	"28P01": sheeterr.FatalAuth,   // invalid_password
}

// Classify maps a driver error to a persistence class.
func Classify(err error) sheeterr.Class {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if class, ok := fatalCodes[pgErr.Code]; ok {
			return class
		}
	}
	return sheeterr.Transient
}

func classify(op string, err error) error {
	return sheeterr.NewPersistenceError(backendName, op, Classify(err), err)
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
