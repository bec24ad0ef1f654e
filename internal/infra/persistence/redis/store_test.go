package redis

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	sheeterr "sheetcore/internal/errors"
	"sheetcore/pkg/domain"
)

// fakeClient keeps values and sorted sets in maps and builds command results
// with the go-redis result constructors.
type fakeClient struct {
	values map[string]string
	zsets  map[string]map[string]float64
	err    error
	calls  int
}

func newFakeClient() *fakeClient {
	return &fakeClient{values: map[string]string{}, zsets: map[string]map[string]float64{}}
}

func (f *fakeClient) Get(_ context.Context, key string) *goredis.StringCmd {
	f.calls++
	if f.err != nil {
		return goredis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeClient) Set(_ context.Context, key string, value interface{}, _ time.Duration) *goredis.StatusCmd {
	f.calls++
	if f.err != nil {
		return goredis.NewStatusResult("", f.err)
	}
	switch v := value.(type) {
	case []byte:
		f.values[key] = string(v)
	case string:
		f.values[key] = v
	}
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Del(_ context.Context, keys ...string) *goredis.IntCmd {
	f.calls++
	if f.err != nil {
		return goredis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

func (f *fakeClient) ZAdd(_ context.Context, key string, members ...goredis.Z) *goredis.IntCmd {
	f.calls++
	if f.err != nil {
		return goredis.NewIntResult(0, f.err)
	}
	set, ok := f.zsets[key]
	if !ok {
		set = map[string]float64{}
		f.zsets[key] = set
	}
	for _, m := range members {
		set[m.Member.(string)] = m.Score
	}
	return goredis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeClient) ZRem(_ context.Context, key string, members ...interface{}) *goredis.IntCmd {
	f.calls++
	if f.err != nil {
		return goredis.NewIntResult(0, f.err)
	}
	for _, m := range members {
		delete(f.zsets[key], m.(string))
	}
	return goredis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeClient) ZRevRange(_ context.Context, key string, _, _ int64) *goredis.StringSliceCmd {
	f.calls++
	if f.err != nil {
		return goredis.NewStringSliceResult(nil, f.err)
	}
	set := f.zsets[key]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return set[ids[i]] > set[ids[j]] })
	return goredis.NewStringSliceResult(ids, nil)
}

func (f *fakeClient) Close() error { return nil }

func tickingClock() func() time.Time {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	store := New(client, "alice")
	store.SetNow(tickingClock())

	a, err := store.Save(ctx, domain.Diagram{Name: "Sheet 1", XMLContent: "<a/>"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if a.ID == "" || a.OwnerID != "alice" {
		t.Fatalf("unexpected saved diagram %+v", a)
	}
	if _, ok := client.values["sheets:alice:diagram:"+a.ID]; !ok {
		t.Fatalf("expected value under owner key, have %v", client.values)
	}
	b, err := store.Save(ctx, domain.Diagram{ID: "b", Name: "Sheet 2"})
	if err != nil {
		t.Fatalf("save b: %v", err)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != b.ID || list[1].ID != a.ID {
		t.Fatalf("expected newest first, got %+v", list)
	}

	xml := "<b/>"
	updated, err := store.Update(ctx, a.ID, domain.Patch{XMLContent: &xml})
	if err != nil || updated == nil {
		t.Fatalf("update: %v %v", updated, err)
	}
	if updated.XMLContent != xml || updated.Name != "Sheet 1" || !updated.UpdatedAt.After(a.UpdatedAt) {
		t.Fatalf("patch not applied: %+v", updated)
	}
	list, _ = store.List(ctx)
	if list[0].ID != a.ID {
		t.Fatalf("updated diagram should sort first: %+v", list)
	}

	missing, err := store.Update(ctx, "nope", domain.Patch{XMLContent: &xml})
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing diagram, got %v %v", missing, err)
	}

	ok, err := store.Delete(ctx, b.ID)
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, _ = store.Delete(ctx, b.ID)
	if ok {
		t.Fatalf("second delete should report false")
	}
	got, err := store.Get(ctx, b.ID)
	if err != nil || got != nil {
		t.Fatalf("expected deleted diagram gone, got %v %v", got, err)
	}
}

func TestStoreClassifiesReplies(t *testing.T) {
	cases := []struct {
		reply string
		want  sheeterr.Class
	}{
		{"NOAUTH Authentication required.", sheeterr.FatalAuth},
		{"WRONGPASS invalid username-password pair", sheeterr.FatalAuth},
		{"NOPERM this user has no permissions", sheeterr.FatalAuth},
		{"WRONGTYPE Operation against a key holding the wrong kind of value", sheeterr.FatalSchema},
		{"dial tcp 127.0.0.1:6379: connect: connection refused", sheeterr.Transient},
	}
	for _, tc := range cases {
		client := newFakeClient()
		client.err = errors.New(tc.reply)
		store := New(client, "alice")
		_, err := store.List(context.Background())
		if got, _ := sheeterr.ClassOf(err); got != tc.want {
			t.Fatalf("%q: expected %v, got %v (%v)", tc.reply, tc.want, got, err)
		}
	}
}

func TestStoreRequiresPrincipal(t *testing.T) {
	client := newFakeClient()
	store := New(client, "")
	_, err := store.Save(context.Background(), domain.Diagram{Name: "x"})
	if class, _ := sheeterr.ClassOf(err); !errors.Is(err, sheeterr.ErrNoPrincipal) || class != sheeterr.FatalAuth {
		t.Fatalf("expected fatal auth no-principal error, got %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("expected no redis round trips, got %d", client.calls)
	}
}

func TestStoreRejectsCorruptValue(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	store := New(client, "alice")
	good, err := store.Save(ctx, domain.Diagram{Name: "Good", XMLContent: "<a/>"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	client.values["sheets:alice:diagram:x"] = "{not json"
	client.zsets["sheets:alice:diagrams"]["x"] = 1

	_, err = store.Get(ctx, "x")
	class, _ := sheeterr.ClassOf(err)
	if class != sheeterr.Corrupt || sheeterr.IsFatal(err) || sheeterr.IsRetryable(err) {
		t.Fatalf("expected non-fatal corrupt class, got %v", err)
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != good.ID {
		t.Fatalf("expected only the decodable record, got %+v", list)
	}
}
