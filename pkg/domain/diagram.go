// Package domain holds the diagram record model and the persistence contract
// every storage backend implements.
package domain

import (
	"context"
	"strings"
	"time"
)

// Diagram is one persisted sheet.
type Diagram struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"-"`
	Name       string    `json:"name"`
	XMLContent string    `json:"xml_content"`
	SVGContent string    `json:"svg_content"`
	Thumbnail  *string   `json:"thumbnail"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with d.
func (d Diagram) Clone() Diagram {
	cp := d
	if d.Thumbnail != nil {
		thumb := *d.Thumbnail
		cp.Thumbnail = &thumb
	}
	return cp
}

// Patch lists the fields an update may change. Nil fields are left alone.
type Patch struct {
	Name       *string
	XMLContent *string
	SVGContent *string
	Thumbnail  *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Name == nil && p.XMLContent == nil && p.SVGContent == nil && p.Thumbnail == nil
}

// Apply copies the set fields onto d.
func (p Patch) Apply(d *Diagram) {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.XMLContent != nil {
		d.XMLContent = *p.XMLContent
	}
	if p.SVGContent != nil {
		d.SVGContent = *p.SVGContent
	}
	if p.Thumbnail != nil {
		thumb := *p.Thumbnail
		d.Thumbnail = &thumb
	}
}

// NormalizeName trims surrounding whitespace from a display name.
func NormalizeName(name string) string { return strings.TrimSpace(name) }

// DiagramStore is the CRUD contract shared by the primary and fallback
// backends. All calls are scoped to the owner the store was opened for.
//
// Get returns (nil, nil) when the diagram does not exist. Update returns
// (nil, nil) when there is nothing to update. List orders by UpdatedAt
// descending.
type DiagramStore interface {
	Name() string
	Get(ctx context.Context, id string) (*Diagram, error)
	List(ctx context.Context) ([]Diagram, error)
	Save(ctx context.Context, d Diagram) (Diagram, error)
	Update(ctx context.Context, id string, patch Patch) (*Diagram, error)
	Delete(ctx context.Context, id string) (bool, error)
	Close() error
}
