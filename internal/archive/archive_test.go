package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// backendsUnderTest returns the drivers exercised by the shared conformance
// tests. S3 needs live credentials and is covered separately.
func backendsUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	return map[string]Store{
		"memory": NewMemory(),
		"fs":     fsStore,
	}
}

func TestPutGetHeadRoundtrip(t *testing.T) {
	for name, store := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			payload := []byte("spectra")
			info, err := store.Put(ctx, "msrun/r1/run01.raw", bytes.NewReader(payload), PutOptions{
				ContentType: "application/octet-stream",
				Metadata:    map[string]string{"instrument": "QE"},
			})
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if info.Key != "msrun/r1/run01.raw" || info.Size != int64(len(payload)) {
				t.Fatalf("put info = %+v", info)
			}

			got, rc, err := store.Get(ctx, "msrun/r1/run01.raw")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(data, payload) {
				t.Fatalf("data = %q, want %q", data, payload)
			}
			if got.Metadata["instrument"] != "QE" {
				t.Fatalf("metadata lost: %+v", got.Metadata)
			}

			head, err := store.Head(ctx, "msrun/r1/run01.raw")
			if err != nil {
				t.Fatalf("Head: %v", err)
			}
			if head.Size != int64(len(payload)) || head.ContentType != "application/octet-stream" {
				t.Fatalf("head info = %+v", head)
			}
		})
	}
}

func TestPutRejectsExistingKey(t *testing.T) {
	for name, store := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Put(ctx, "msrun/r1/run01.raw", strings.NewReader("a"), PutOptions{}); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if _, err := store.Put(ctx, "msrun/r1/run01.raw", strings.NewReader("b"), PutOptions{}); err == nil {
				t.Fatalf("archived raw files must be immutable")
			}
			// The original content survives the rejected overwrite.
			_, rc, err := store.Get(ctx, "msrun/r1/run01.raw")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			defer rc.Close()
			data, _ := io.ReadAll(rc)
			if string(data) != "a" {
				t.Fatalf("content after rejected overwrite = %q", data)
			}
		})
	}
}

func TestDeleteReportsExistence(t *testing.T) {
	for name, store := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Put(ctx, "msrun/r1/run01.raw", strings.NewReader("x"), PutOptions{}); err != nil {
				t.Fatalf("Put: %v", err)
			}
			existed, err := store.Delete(ctx, "msrun/r1/run01.raw")
			if err != nil || !existed {
				t.Fatalf("Delete = (%v, %v), want (true, nil)", existed, err)
			}
			existed, err = store.Delete(ctx, "msrun/r1/run01.raw")
			if err != nil || existed {
				t.Fatalf("second Delete = (%v, %v), want (false, nil)", existed, err)
			}
			if _, err := store.Head(ctx, "msrun/r1/run01.raw"); err == nil {
				t.Fatalf("Head after delete must fail")
			}
		})
	}
}

func TestListFiltersByPrefix(t *testing.T) {
	for name, store := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"msrun/r1/a.raw", "msrun/r1/b.raw", "msrun/r2/c.raw"} {
				if _, err := store.Put(ctx, key, strings.NewReader("x"), PutOptions{}); err != nil {
					t.Fatalf("Put %s: %v", key, err)
				}
			}
			infos, err := store.List(ctx, "msrun/r1/")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(infos) != 2 || infos[0].Key != "msrun/r1/a.raw" || infos[1].Key != "msrun/r1/b.raw" {
				t.Fatalf("List(msrun/r1/) = %+v", infos)
			}
			all, err := store.List(ctx, "")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("unfiltered list = %d entries, want 3", len(all))
			}
		})
	}
}

func TestPresignURLUnsupported(t *testing.T) {
	for name, store := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.PresignURL(context.Background(), "k", SignedURLOptions{}); !errors.Is(err, ErrUnsupported) {
				t.Fatalf("expected ErrUnsupported, got %v", err)
			}
		})
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := []struct {
		key string
		ok  bool
	}{
		{"msrun/r1/run01.raw", true},
		{"run01.raw", true},
		{"", false},
		{"  ", false},
		{"../escape.raw", false},
		{"msrun/../../escape.raw", false},
		{"/etc/passwd", false},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			_, err := sanitizeKey(tc.key)
			if tc.ok && err != nil {
				t.Fatalf("sanitizeKey(%q): %v", tc.key, err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("sanitizeKey(%q) accepted a bad key", tc.key)
			}
		})
	}
}

func TestFilesystemWritesSidecarUnderRoot(t *testing.T) {
	root := t.TempDir()
	store, err := NewFilesystem(root)
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	info, err := store.Put(context.Background(), "msrun/r1/run01.raw", strings.NewReader("abc"), PutOptions{})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if info.ETag == "" {
		t.Fatalf("filesystem put did not digest the payload")
	}
	if _, err := os.Stat(filepath.Join(root, "msrun", "r1", "run01.raw")); err != nil {
		t.Fatalf("data file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "msrun", "r1", "run01.raw.meta")); err != nil {
		t.Fatalf("meta sidecar missing: %v", err)
	}
}

func TestOpenSelectsDriverFromEnv(t *testing.T) {
	t.Setenv("TRACEBASE_ARCHIVE_DRIVER", "memory")
	store, err := Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if store.Driver() != DriverMemory {
		t.Fatalf("driver = %s, want memory", store.Driver())
	}

	t.Setenv("TRACEBASE_ARCHIVE_DRIVER", "fs")
	t.Setenv("TRACEBASE_ARCHIVE_FS_ROOT", t.TempDir())
	store, err = Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if store.Driver() != DriverFilesystem {
		t.Fatalf("driver = %s, want fs", store.Driver())
	}

	t.Setenv("TRACEBASE_ARCHIVE_DRIVER", "carrier-pigeon")
	if _, err := Open(context.Background()); err == nil {
		t.Fatalf("unknown driver must fail")
	}
}
