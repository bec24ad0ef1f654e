package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sheeterr "sheetcore/internal/errors"
	"sheetcore/pkg/domain"
)

func newTestStore(t *testing.T, owner string) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "nested", "sheets.db"), owner)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreCRUDRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "alice")
	tick := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	store.SetNow(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})

	thumb := "data:image/png;base64,AA=="
	a, err := store.Save(ctx, domain.Diagram{Name: "Sheet 1", XMLContent: "<a/>", SVGContent: "<svg/>", Thumbnail: &thumb})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	b, err := store.Save(ctx, domain.Diagram{Name: "Sheet 2"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Sheet 1" || got.XMLContent != "<a/>" || got.Thumbnail == nil || *got.Thumbnail != thumb {
		t.Fatalf("unexpected record %+v", got)
	}
	if !got.CreatedAt.Equal(a.CreatedAt) {
		t.Fatalf("timestamps not round-tripped: %v vs %v", got.CreatedAt, a.CreatedAt)
	}

	list, err := store.List(ctx)
	if err != nil || len(list) != 2 || list[0].ID != b.ID {
		t.Fatalf("list order: %v %+v", err, list)
	}

	name := "Intake Flow"
	updated, err := store.Update(ctx, a.ID, domain.Patch{Name: &name})
	if err != nil || updated == nil || updated.Name != name || updated.XMLContent != "<a/>" {
		t.Fatalf("update: %v %+v", err, updated)
	}
	list, _ = store.List(ctx)
	if list[0].ID != a.ID {
		t.Fatalf("expected updated record first")
	}

	if missing, err := store.Update(ctx, "missing", domain.Patch{Name: &name}); err != nil || missing != nil {
		t.Fatalf("update missing: %v %+v", err, missing)
	}
	if ok, err := store.Delete(ctx, b.ID); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, b.ID); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
	if got, err := store.Get(ctx, b.ID); err != nil || got != nil {
		t.Fatalf("expected deleted record to be gone")
	}
}

func TestStoreOwnerScoping(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	alice, err := NewStore(path, "alice")
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	defer func() { _ = alice.Close() }()
	bob, err := NewStore(path, "bob")
	if err != nil {
		t.Fatalf("bob: %v", err)
	}
	defer func() { _ = bob.Close() }()

	d, err := alice.Save(ctx, domain.Diagram{Name: "private"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if got, _ := bob.Get(ctx, d.ID); got != nil {
		t.Fatalf("bob must not see alice's diagram")
	}
	if list, _ := bob.List(ctx); len(list) != 0 {
		t.Fatalf("bob list leaked %d records", len(list))
	}
}

func TestStoreClassifiesMissingTable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "alice")
	if _, err := store.DB().Exec(`DROP TABLE diagrams`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	_, err := store.List(ctx)
	if err == nil {
		t.Fatalf("expected error after drop")
	}
	class, ok := sheeterr.ClassOf(err)
	if !ok || class != sheeterr.FatalSchema {
		t.Fatalf("expected fatal schema classification, got %v %v", class, ok)
	}
	if store.Name() != "sqlite" || store.Path() == "" {
		t.Fatalf("unexpected metadata")
	}
}

func TestSetNowWhileWriting(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, "alice")
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			at := base.Add(time.Duration(i) * time.Minute)
			store.SetNow(func() time.Time { return at })
		}
	}()
	for i := 0; i < 20; i++ {
		if _, err := store.Save(ctx, domain.Diagram{Name: "Sheet"}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	<-done
	store.SetNow(func() time.Time { return base })
	d, err := store.Save(ctx, domain.Diagram{Name: "Last"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !d.UpdatedAt.Equal(base) {
		t.Fatalf("expected overridden clock, got %v", d.UpdatedAt)
	}
}
