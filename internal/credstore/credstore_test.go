package credstore

import (
	"errors"
	"testing"
)

func TestTokenLifecycle(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if _, err := store.Token(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("got %v, want ErrNoToken on empty store", err)
	}

	if err := store.SetToken("first"); err != nil {
		t.Fatalf("set: %v", err)
	}
	tok, err := store.Token()
	if err != nil || tok != "first" {
		t.Fatalf("token = %q, %v", tok, err)
	}

	if err := store.SetToken("second"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if tok, _ := store.Token(); tok != "second" {
		t.Fatalf("token = %q after overwrite", tok)
	}

	if err := store.ClearToken(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := store.Token(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("got %v, want ErrNoToken after clear", err)
	}
	if err := store.ClearToken(); err != nil {
		t.Fatalf("clearing an empty store: %v", err)
	}
}

func TestTokenPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.SetToken("durable"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	tok, err := reopened.Token()
	if err != nil || tok != "durable" {
		t.Fatalf("token after reopen = %q, %v", tok, err)
	}
}

func TestOpenCreatesDataDir(t *testing.T) {
	dir := t.TempDir() + "/nested/data"
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("open with missing dir: %v", err)
	}
	store.Close()
}
