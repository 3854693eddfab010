package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"testing"
)

func TestSaveReadDelete(t *testing.T) {
	fs, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	content := "passport scan bytes"
	res, err := fs.Save("case-1", "passaporte", "Passport Scan.PDF", strings.NewReader(content))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Size != int64(len(content)) {
		t.Fatalf("size = %d", res.Size)
	}
	sum := sha256.Sum256([]byte(content))
	if res.Checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum = %s", res.Checksum)
	}
	if !strings.HasPrefix(res.StoragePath, "case-1/passaporte_") || !strings.HasSuffix(res.StoragePath, ".pdf") {
		t.Fatalf("storage path = %s", res.StoragePath)
	}
	if !fs.Exists(res.StoragePath) {
		t.Fatal("stored file should exist")
	}

	f, err := fs.Open(res.StoragePath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got, err := io.ReadAll(f)
	f.Close()
	if err != nil || string(got) != content {
		t.Fatalf("read back = %q err = %v", got, err)
	}

	if err := fs.Delete(res.StoragePath); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if fs.Exists(res.StoragePath) {
		t.Fatal("file should be gone")
	}
	// deleting again is a no-op
	if err := fs.Delete(res.StoragePath); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestNoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	fs, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Save("case-2", "rnm", "rnm.pdf", strings.NewReader("data")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir + "/case-2")
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}
