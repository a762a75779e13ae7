// Package metadata keeps the filesystem's relational image: inodes,
// directory entries, symlink targets and extended attributes live in a
// sqlite database whose zlib-compressed bytes are stored as one
// reserved blob. The database is inflated to a temp file on mount and
// written back on unmount.
package metadata

import (
	"bytes"
	"compress/zlib"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/gaby/cloudpfs/internal/storage"
)

// BlobName is the reserved blob holding the compressed database image.
const BlobName = "0"

// RootInode is the inode of the filesystem root directory.
const RootInode = 1

// ErrNoEntry means the requested inode or directory entry does not
// exist.
var ErrNoEntry = errors.New("metadata: no such entry")

// DB is the open metadata database backed by a temp file.
type DB struct {
	SQL  *sql.DB
	path string
	log  *logrus.Logger
}

func tempPath() string {
	return filepath.Join(os.TempDir(), "cloudpfs-"+uuid.NewString()+".db")
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	s, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// writes serialize; readers may run concurrently under WAL
	s.SetMaxOpenConns(4)
	s.SetMaxIdleConns(4)
	return s, nil
}

// Create builds a fresh metadata database with an empty root directory
// owned by uid/gid. Used by mkfs and by tests.
func Create(uid, gid int, log *logrus.Logger) (*DB, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	path := tempPath()
	s, err := openSQLite(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("metadata: create: %w", err)
	}
	db := &DB{SQL: s, path: path, log: log}
	if err := db.init(uid, gid); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Load reads the metadata blob from the backend, decompresses it into
// a temp file and opens it.
func Load(ctx context.Context, be storage.Backend, log *logrus.Logger) (*DB, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := be.Open(ctx, BlobName, -1); err != nil {
		return nil, fmt.Errorf("metadata: open blob: %w", err)
	}
	size, err := be.Size(BlobName)
	if err != nil {
		return nil, fmt.Errorf("metadata: blob size: %w", err)
	}
	compressed, err := be.Read(ctx, BlobName, 0, size)
	if err != nil {
		return nil, fmt.Errorf("metadata: read blob: %w", err)
	}
	if err := be.Close(ctx, BlobName); err != nil {
		return nil, fmt.Errorf("metadata: close blob: %w", err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("metadata: decompress: %w", err)
	}
	defer zr.Close()
	image, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("metadata: decompress: %w", err)
	}

	path := tempPath()
	if err := os.WriteFile(path, image, 0o600); err != nil {
		return nil, fmt.Errorf("metadata: write temp db: %w", err)
	}
	s, err := openSQLite(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("metadata: open temp db: %w", err)
	}
	log.WithFields(logrus.Fields{"bytes": len(image), "path": path}).Debug("metadata loaded")
	return &DB{SQL: s, path: path, log: log}, nil
}

// Dump checkpoints the database and returns the zlib-compressed image.
func (db *DB) Dump() ([]byte, error) {
	if _, err := db.SQL.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, fmt.Errorf("metadata: checkpoint: %w", err)
	}
	image, err := os.ReadFile(db.path)
	if err != nil {
		return nil, fmt.Errorf("metadata: read temp db: %w", err)
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(image); err != nil {
		return nil, fmt.Errorf("metadata: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("metadata: compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Store writes a dumped image back to the metadata blob.
func Store(ctx context.Context, be storage.Backend, dump []byte) error {
	if err := be.Open(ctx, BlobName, int64(len(dump))); err != nil {
		return fmt.Errorf("metadata: open blob: %w", err)
	}
	if _, err := be.Write(BlobName, 0, dump); err != nil {
		return fmt.Errorf("metadata: write blob: %w", err)
	}
	if err := be.Truncate(BlobName, int64(len(dump))); err != nil {
		return fmt.Errorf("metadata: truncate blob: %w", err)
	}
	if err := be.Flush(BlobName); err != nil {
		return fmt.Errorf("metadata: flush blob: %w", err)
	}
	if err := be.Close(ctx, BlobName); err != nil {
		return fmt.Errorf("metadata: close blob: %w", err)
	}
	return nil
}

// Path returns the temp database file, for external tools (edit).
func (db *DB) Path() string {
	return db.path
}

// Close closes the database and removes the temp file.
func (db *DB) Close() error {
	err := db.SQL.Close()
	for _, p := range []string{db.path, db.path + "-wal", db.path + "-shm"} {
		os.Remove(p)
	}
	return err
}
