// Package storage keeps uploaded document files on disk, one directory
// per case. Writes stream through a SHA-256 hasher into a temp file and
// land with fsync plus an atomic rename.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type FileStore struct {
	dataDir string
}

// SaveResult describes one stored file.
type SaveResult struct {
	// StoragePath is relative to the store's data directory.
	StoragePath string
	FullPath    string
	Size        int64
	Checksum    string
}

func New(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

// Save writes the reader's contents under the case's directory. The temp
// file is removed on any failure, so a partial upload never becomes
// visible.
func (fs *FileStore) Save(caseID, fieldName, originalFilename string, reader io.Reader) (*SaveResult, error) {
	rel := filepath.Join(sanitize(caseID), storageName(fieldName, originalFilename))
	fullPath := filepath.Join(fs.dataDir, rel)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return nil, fmt.Errorf("create case dir: %w", err)
	}
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(reader, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("write upload: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("fsync upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("rename upload: %w", err)
	}
	return &SaveResult{
		StoragePath: rel,
		FullPath:    fullPath,
		Size:        size,
		Checksum:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Open returns the stored file for reading; the caller closes it.
func (fs *FileStore) Open(storagePath string) (*os.File, error) {
	f, err := os.Open(filepath.Join(fs.dataDir, storagePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", storagePath)
		}
		return nil, fmt.Errorf("open %s: %w", storagePath, err)
	}
	return f, nil
}

// Delete removes a stored file. A path that no longer exists is not an
// error.
func (fs *FileStore) Delete(storagePath string) error {
	if storagePath == "" {
		return nil
	}
	err := os.Remove(filepath.Join(fs.dataDir, storagePath))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", storagePath, err)
	}
	return nil
}

func (fs *FileStore) Exists(storagePath string) bool {
	_, err := os.Stat(filepath.Join(fs.dataDir, storagePath))
	return err == nil
}

func (fs *FileStore) DataDir() string {
	return fs.dataDir
}

// storageName builds {field}_{timestamp}_{shortuuid}{ext}. The field name
// leads so directory listings group by requirement.
func storageName(fieldName, originalFilename string) string {
	ext := filepath.Ext(originalFilename)
	field := sanitize(fieldName)
	if len(field) > 50 {
		field = field[:50]
	}
	ts := time.Now().UTC().Format("20060102150405")
	uid := uuid.NewString()[:8]
	return fmt.Sprintf("%s_%s_%s%s", field, ts, uid, strings.ToLower(ext))
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}
