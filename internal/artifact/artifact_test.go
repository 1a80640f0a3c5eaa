package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStorePutGet(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	loc, err := s.Put(ctx, "outlines/job-1.txt", []byte("Slide 1: Intro"), "text/plain")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(loc); err != nil {
		t.Errorf("artifact not on disk at %s: %v", loc, err)
	}

	got, err := s.Get(ctx, loc)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "Slide 1: Intro" {
		t.Errorf("Get = %q", got)
	}

	// Overwrite keeps the same location.
	loc2, err := s.Put(ctx, "outlines/job-1.txt", []byte("v2"), "text/plain")
	if err != nil || loc2 != loc {
		t.Fatalf("Put again = %q, %v", loc2, err)
	}
	got, _ = s.Get(ctx, "outlines/job-1.txt")
	if string(got) != "v2" {
		t.Errorf("Get after overwrite = %q", got)
	}
}

func TestFileStoreErrors(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if _, err := s.Get(ctx, "missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	for _, name := range []string{"../escape.txt", "a/../../escape.txt", "/etc/passwd", "."} {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Put(ctx, name, []byte("x"), ""); err == nil {
				t.Errorf("Put(%q) should be rejected", name)
			}
			if _, err := s.Get(ctx, name); err == nil || errors.Is(err, ErrNotFound) {
				t.Errorf("Get(%q) should be rejected, got %v", name, err)
			}
		})
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		loc     string
		bucket  string
		key     string
		wantErr bool
	}{
		{"s3://artifacts/outlines/1.txt", "artifacts", "outlines/1.txt", false},
		{"s3://artifacts/", "", "", true},
		{"s3://artifacts", "", "", true},
		{"/tmp/outlines/1.txt", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.loc, func(t *testing.T) {
			bucket, key, err := parseLocation(tt.loc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLocation(%q) error = %v, wantErr %v", tt.loc, err, tt.wantErr)
			}
			if bucket != tt.bucket || key != tt.key {
				t.Errorf("parseLocation(%q) = %q, %q", tt.loc, bucket, key)
			}
		})
	}
}
