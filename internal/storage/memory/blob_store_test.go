package memory

import (
	"bytes"
	"context"
	"testing"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "run/all_papers.csv", "text/csv", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://run/all_papers.csv" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'

	obj, ok := store.Get("run/all_papers.csv")
	if !ok {
		t.Fatal("object not stored")
	}
	if string(obj.Data) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", obj.Data)
	}
	if obj.ContentType != "text/csv" {
		t.Fatalf("content type = %q", obj.ContentType)
	}

	obj.Data[0] = 'X'
	again, _ := store.Get("run/all_papers.csv")
	if string(again.Data) != "content" {
		t.Fatalf("Get must return a copy, got %q", again.Data)
	}
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, p := range []string{"b/checkpoint.json", "a/all_papers.csv"} {
		if _, err := store.PutObject(context.Background(), p, "", bytes.NewReader(nil)); err != nil {
			t.Fatalf("PutObject(%s) error = %v", p, err)
		}
	}
	got := store.Paths()
	if len(got) != 2 || got[0] != "a/all_papers.csv" || got[1] != "b/checkpoint.json" {
		t.Fatalf("Paths() = %v", got)
	}
	if _, ok := store.Get("missing"); ok {
		t.Fatal("unexpected object")
	}
}
