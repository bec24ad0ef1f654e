// Package testutil provides a stub database/sql driver that understands the
// handful of statements the postgres diagram store issues.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Row is one stored diagram row.
type Row struct {
	ID         string
	OwnerID    string
	Name       string
	XMLContent string
	SVGContent string
	Thumbnail  any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StubConn records statements and emulates the diagrams table.
type StubConn struct {
	mu    sync.Mutex
	Rows  map[string]Row
	Execs []string
	Calls int
	// Err, when set, is returned by every query and exec.
	Err error
}

// Columns lists the diagram columns in select order.
var Columns = []string{"id", "owner_id", "name", "xml_content", "svg_content", "thumbnail", "created_at", "updated_at"}

var seq uint64
var seqMu sync.Mutex

// NewStubDB registers a fresh driver and returns a sql.DB backed by it.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Rows: make(map[string]Row)}
	seqMu.Lock()
	seq++
	name := fmt.Sprintf("stubpg%d_%d", time.Now().UnixNano(), seq)
	seqMu.Unlock()
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// CallCount returns the number of statements issued.
func (c *StubConn) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Calls
}

// SetErr changes the injected error.
func (c *StubConn) SetErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Err = err
}

type stubDriver struct{ conn *StubConn }

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) { return nil, fmt.Errorf("transactions not supported") }

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Err
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	c.Execs = append(c.Execs, query)
	if c.Err != nil {
		return nil, c.Err
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "CREATE"):
		return driver.RowsAffected(0), nil
	case strings.HasPrefix(upper, "INSERT INTO DIAGRAMS"):
		if len(args) != len(Columns) {
			return nil, fmt.Errorf("insert expects %d args, got %d", len(Columns), len(args))
		}
		id := str(args[0].Value)
		if _, exists := c.Rows[id]; exists {
			return nil, fmt.Errorf("duplicate key %s", id)
		}
		c.Rows[id] = Row{
			ID: id, OwnerID: str(args[1].Value), Name: str(args[2].Value),
			XMLContent: str(args[3].Value), SVGContent: str(args[4].Value), Thumbnail: args[5].Value,
			CreatedAt: args[6].Value.(time.Time), UpdatedAt: args[7].Value.(time.Time),
		}
		return driver.RowsAffected(1), nil
	case strings.HasPrefix(upper, "DELETE FROM DIAGRAMS"):
		id, owner := str(args[0].Value), str(args[1].Value)
		row, ok := c.Rows[id]
		if !ok || row.OwnerID != owner {
			return driver.RowsAffected(0), nil
		}
		delete(c.Rows, id)
		return driver.RowsAffected(1), nil
	}
	return nil, fmt.Errorf("unsupported exec: %s", query)
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls++
	if c.Err != nil {
		return nil, c.Err
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "UPDATE DIAGRAMS"):
		id, owner := str(args[0].Value), str(args[1].Value)
		row, ok := c.Rows[id]
		if !ok || row.OwnerID != owner {
			return &stubRows{}, nil
		}
		if v := args[2].Value; v != nil {
			row.Name = str(v)
		}
		if v := args[3].Value; v != nil {
			row.XMLContent = str(v)
		}
		if v := args[4].Value; v != nil {
			row.SVGContent = str(v)
		}
		if v := args[5].Value; v != nil {
			row.Thumbnail = v
		}
		row.UpdatedAt = args[6].Value.(time.Time)
		c.Rows[id] = row
		return &stubRows{data: [][]driver.Value{values(row)}}, nil
	case strings.HasPrefix(upper, "SELECT") && strings.Contains(upper, "WHERE ID = $1"):
		id, owner := str(args[0].Value), str(args[1].Value)
		row, ok := c.Rows[id]
		if !ok || row.OwnerID != owner {
			return &stubRows{}, nil
		}
		return &stubRows{data: [][]driver.Value{values(row)}}, nil
	case strings.HasPrefix(upper, "SELECT"):
		owner := str(args[0].Value)
		var rows []Row
		for _, row := range c.Rows {
			if row.OwnerID == owner {
				rows = append(rows, row)
			}
		}
		sort.Slice(rows, func(i, j int) bool {
			if rows[i].UpdatedAt.Equal(rows[j].UpdatedAt) {
				return rows[i].ID < rows[j].ID
			}
			return rows[i].UpdatedAt.After(rows[j].UpdatedAt)
		})
		out := &stubRows{}
		for _, row := range rows {
			out.data = append(out.data, values(row))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported query: %s", query)
}

func values(r Row) []driver.Value {
	return []driver.Value{r.ID, r.OwnerID, r.Name, r.XMLContent, r.SVGContent, r.Thumbnail, r.CreatedAt, r.UpdatedAt}
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

type stubRows struct {
	data [][]driver.Value
	pos  int
}

func (r *stubRows) Columns() []string { return Columns }
func (r *stubRows) Close() error      { return nil }
func (r *stubRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.pos])
	r.pos++
	return nil
}
