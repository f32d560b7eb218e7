package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := Open("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestPutIsIdempotent(t *testing.T) {
	store, s := setupTestStore(t)
	ctx := context.Background()

	changed, err := store.Put(ctx, "doc:1", doc{Name: "a", Count: 1})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !changed {
		t.Fatalf("expected first put to report changed")
	}
	stamp := s.HGet("doc:1", fieldUpdatedAt)

	changed, err = store.Put(ctx, "doc:1", doc{Name: "a", Count: 1})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if changed {
		t.Fatalf("expected identical put to report unchanged")
	}
	if got := s.HGet("doc:1", fieldUpdatedAt); got != stamp {
		t.Fatalf("expected unchanged put to leave updated_at alone, got %q want %q", got, stamp)
	}

	changed, err = store.Put(ctx, "doc:1", doc{Name: "a", Count: 2})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !changed {
		t.Fatalf("expected modified put to report changed")
	}

	var got doc
	if err := store.Get(ctx, "doc:1", &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Count != 2 {
		t.Fatalf("expected count 2, got %d", got.Count)
	}
}

func TestGetMissingKey(t *testing.T) {
	store, _ := setupTestStore(t)
	var got doc
	err := store.Get(context.Background(), "doc:missing", &got)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetManySkipsMissing(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"a", "c"} {
		if _, err := store.Put(ctx, "doc:"+name, doc{Name: name}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	raw, err := store.GetMany(ctx, []string{"doc:a", "doc:b", "doc:c"})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if len(raw) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(raw))
	}
	if !strings.Contains(string(raw[1]), `"c"`) {
		t.Fatalf("expected second document to be c, got %s", raw[1])
	}
}

func TestInvalidatePrefix(t *testing.T) {
	store, s := setupTestStore(t)
	ctx := context.Background()
	for i := 0; i < 450; i++ {
		if err := s.Set(fmt.Sprintf("cache:team:t1:board:%d", i), "v"); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
	if err := s.Set("cache:team:t2:board", "keep"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := s.Set("cache:team:t1*", "literal"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	deleted, err := store.InvalidatePrefix(ctx, "cache:team:t1:")
	if err != nil {
		t.Fatalf("InvalidatePrefix failed: %v", err)
	}
	if deleted != 450 {
		t.Fatalf("expected 450 deleted keys, got %d", deleted)
	}
	if !s.Exists("cache:team:t2:board") {
		t.Fatalf("expected other team cache to survive")
	}
	if !s.Exists("cache:team:t1*") {
		t.Fatalf("expected key outside the prefix to survive")
	}
}

func TestInvalidateEmptyPrefixRefused(t *testing.T) {
	store, _ := setupTestStore(t)
	if _, err := store.InvalidatePrefix(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty prefix")
	}
}

func TestReplaceSet(t *testing.T) {
	store, s := setupTestStore(t)
	ctx := context.Background()

	if err := store.ReplaceSet(ctx, "set:issues", []string{"a", "b", "c"}); err != nil {
		t.Fatalf("ReplaceSet failed: %v", err)
	}
	if err := store.ReplaceSet(ctx, "set:issues", []string{"c", "d"}); err != nil {
		t.Fatalf("ReplaceSet failed: %v", err)
	}
	members, err := store.Members(ctx, "set:issues")
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if strings.Join(members, ",") != "c,d" {
		t.Fatalf("expected c,d got %v", members)
	}
	for _, key := range s.Keys() {
		if strings.Contains(key, ":staging:") {
			t.Fatalf("staging key %s left behind", key)
		}
	}

	if err := store.ReplaceSet(ctx, "set:issues", nil); err != nil {
		t.Fatalf("ReplaceSet failed: %v", err)
	}
	if s.Exists("set:issues") {
		t.Fatalf("expected empty replace to delete the set")
	}
}

func TestEscapeGlob(t *testing.T) {
	if got := escapeGlob("a*b?[c]\\"); got != `a\*b\?\[c\]\\` {
		t.Fatalf("unexpected escape %q", got)
	}
}
