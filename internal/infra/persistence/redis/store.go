// Package redis persists diagrams in Redis: one JSON value per diagram plus a
// sorted set per owner ordered by update time.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	sheeterr "sheetcore/internal/errors"
	"sheetcore/pkg/domain"
)

var _ domain.DiagramStore = (*Store)(nil)

const backendName = "redis"

// Client is the subset of go-redis commands the store issues. *goredis.Client
// satisfies it.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	ZAdd(ctx context.Context, key string, members ...goredis.Z) *goredis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *goredis.IntCmd
	ZRevRange(ctx context.Context, key string, start, stop int64) *goredis.StringSliceCmd
	Close() error
}

// Store is a Redis-backed diagram store scoped to one owner.
type Store struct {
	client Client
	owner  string
	prefix string
	mu     sync.Mutex
	nowFn  func() time.Time
}

// Open parses a redis:// URL and returns a store over a new client.
func Open(url, owner string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(goredis.NewClient(opts), owner), nil
}

// New wraps an existing client.
func New(client Client, owner string) *Store {
	return &Store{
		client: client,
		owner:  owner,
		prefix: "sheets",
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the timestamp source.
func (s *Store) SetNow(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// Name implements domain.DiagramStore.
func (s *Store) Name() string { return backendName }

type record struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Name       string    `json:"name"`
	XMLContent string    `json:"xml_content"`
	SVGContent string    `json:"svg_content"`
	Thumbnail  *string   `json:"thumbnail"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toRecord(d domain.Diagram) record {
	return record{d.ID, d.OwnerID, d.Name, d.XMLContent, d.SVGContent, d.Thumbnail, d.CreatedAt, d.UpdatedAt}
}

func (r record) diagram() domain.Diagram {
	return domain.Diagram{ID: r.ID, OwnerID: r.OwnerID, Name: r.Name, XMLContent: r.XMLContent, SVGContent: r.SVGContent,
		Thumbnail: r.Thumbnail, CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC()}
}

func (s *Store) diagramKey(id string) string { return s.prefix + ":" + s.owner + ":diagram:" + id }
func (s *Store) indexKey() string            { return s.prefix + ":" + s.owner + ":diagrams" }

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
	return s.get(ctx, "get", id)
}

func (s *Store) get(ctx context.Context, op, id string) (*domain.Diagram, error) {
	raw, err := s.client.Get(ctx, s.diagramKey(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, sheeterr.NewPersistenceError(backendName, op, sheeterr.Corrupt, fmt.Errorf("decode %s: %w", id, err))
	}
	d := rec.diagram()
	return &d, nil
}

// List implements domain.DiagramStore. Records that cannot be decoded are
// left out so one bad value does not hide the rest.
func (s *Store) List(ctx context.Context) ([]domain.Diagram, error) {
	if err := s.principal("list"); err != nil {
		return nil, err
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, classify("list", err)
	}
	out := make([]domain.Diagram, 0, len(ids))
	for _, id := range ids {
		d, err := s.get(ctx, "list", id)
		if class, _ := sheeterr.ClassOf(err); err != nil && class == sheeterr.Corrupt {
			continue
		}
		if err != nil {
			return nil, err
		}
		if d != nil {
			out = append(out, *d)
		}
	}
	return out, nil
}

// Save implements domain.DiagramStore.
func (s *Store) Save(ctx context.Context, d domain.Diagram) (domain.Diagram, error) {
	if err := s.principal("save"); err != nil {
		return domain.Diagram{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := s.nowFn()
	d.OwnerID = s.owner
	d.CreatedAt = now
	d.UpdatedAt = now
	if err := s.write(ctx, "save", d); err != nil {
		return domain.Diagram{}, err
	}
	return d.Clone(), nil
}

// Update implements domain.DiagramStore.
func (s *Store) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Diagram, error) {
	if err := s.principal("update"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.get(ctx, "update", id)
	if err != nil || current == nil {
		return nil, err
	}
	patch.Apply(current)
	current.UpdatedAt = s.nowFn()
	if err := s.write(ctx, "update", *current); err != nil {
		return nil, err
	}
	return current, nil
}

func (s *Store) write(ctx context.Context, op string, d domain.Diagram) error {
	payload, err := json.Marshal(toRecord(d))
	if err != nil {
		return sheeterr.NewPersistenceError(backendName, op, sheeterr.Transient, err)
	}
	if err := s.client.Set(ctx, s.diagramKey(d.ID), payload, 0).Err(); err != nil {
		return classify(op, err)
	}
	score := float64(d.UpdatedAt.UnixMicro())
	if err := s.client.ZAdd(ctx, s.indexKey(), goredis.Z{Score: score, Member: d.ID}).Err(); err != nil {
		return classify(op, err)
	}
	return nil
}

// Delete implements domain.DiagramStore.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.principal("delete"); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.client.Del(ctx, s.diagramKey(id)).Result()
	if err != nil {
		return false, classify("delete", err)
	}
	if err := s.client.ZRem(ctx, s.indexKey(), id).Err(); err != nil {
		return false, classify("delete", err)
	}
	return n > 0, nil
}

// Close implements domain.DiagramStore.
func (s *Store) Close() error { return s.client.Close() }

// Classify maps a redis error reply to a persistence class.
func Classify(err error) sheeterr.Class {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"), strings.HasPrefix(msg, "NOPERM"):
		return sheeterr.FatalAuth
	case strings.HasPrefix(msg, "WRONGTYPE"):
		return sheeterr.FatalSchema
	}
	return sheeterr.Transient
}

func classify(op string, err error) error {
	return sheeterr.NewPersistenceError(backendName, op, Classify(err), err)
}
