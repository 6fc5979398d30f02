package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
)

func TestArchiveSaveAndLatest(t *testing.T) {
	a := NewArchive(t.TempDir())
	ctx := context.Background()

	if _, err := a.Save(ctx, "m-1", "claims", strings.NewReader("first\n")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := a.Save(ctx, "m-1", "claims", strings.NewReader("second\n")); err != nil {
		t.Fatalf("save: %v", err)
	}

	f, name, err := a.Latest(ctx, "m-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	defer f.Close()

	if !strings.HasPrefix(name, "claims-") || !strings.HasSuffix(name, ".csv") {
		t.Errorf("name = %q", name)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(data); got != "second\n" {
		t.Errorf("content = %q, want second", got)
	}
}

func TestArchiveLatestMissingModel(t *testing.T) {
	a := NewArchive(t.TempDir())
	_, _, err := a.Latest(context.Background(), "nope")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
}

func TestArchiveDelete(t *testing.T) {
	a := NewArchive(t.TempDir())
	ctx := context.Background()

	if _, err := a.Save(ctx, "m-2", "claims", strings.NewReader("x\n")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := a.Delete(ctx, "m-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := a.Latest(ctx, "m-2"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err after delete = %v, want os.ErrNotExist", err)
	}
}
