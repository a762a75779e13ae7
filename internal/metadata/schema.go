package metadata

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// The schema mirrors the on-disk layout of a minimal POSIX tree: every
// name is a BLOB because POSIX file names are byte strings, not text.
var schema = []string{
	`CREATE TABLE inodes (
		inode INTEGER PRIMARY KEY,
		generation INT NOT NULL DEFAULT 0,
		mode SMALLINT NOT NULL,
		nlink INT NOT NULL DEFAULT 0,
		uid INT NOT NULL,
		gid INT NOT NULL,
		rdev INT NOT NULL DEFAULT 0,
		size INT NOT NULL DEFAULT 0,
		atime REAL NOT NULL,
		ctime REAL NOT NULL,
		mtime REAL NOT NULL
	);`,
	`CREATE TABLE contents (
		rowid INTEGER PRIMARY KEY,
		name BLOB(256) NOT NULL CHECK (TYPEOF(name) == 'blob'),
		inode INT NOT NULL REFERENCES inodes(inode),
		parent_inode INT NOT NULL REFERENCES inodes(inode),
		UNIQUE (name, parent_inode)
	);`,
	`CREATE TABLE targets (
		inode INTEGER PRIMARY KEY,
		path BLOB NOT NULL CHECK (TYPEOF(path) == 'blob'),
		FOREIGN KEY (inode) REFERENCES inodes(inode)
	);`,
	`CREATE TABLE xattrs (
		rowid INTEGER PRIMARY KEY,
		inode INT NOT NULL REFERENCES inodes(inode),
		key BLOB NOT NULL CHECK (TYPEOF(key) == 'blob'),
		value BLOB CHECK (TYPEOF(value) == 'blob'),
		UNIQUE (inode, key)
	);`,
}

// init creates the tables and inserts the root directory.
func (db *DB) init(uid, gid int) error {
	for _, stmt := range schema {
		if _, err := db.SQL.Exec(stmt); err != nil {
			return fmt.Errorf("metadata: init schema: %w", err)
		}
	}
	now := unixSeconds(time.Now())
	rootMode := unix.S_IFDIR | 0o755
	if _, err := db.SQL.Exec(
		`INSERT INTO inodes (inode, mode, nlink, uid, gid, atime, ctime, mtime)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		RootInode, rootMode, 1, uid, gid, now, now, now,
	); err != nil {
		return fmt.Errorf("metadata: init root: %w", err)
	}
	if _, err := db.SQL.Exec(
		`INSERT INTO contents (name, parent_inode, inode) VALUES (?, ?, ?)`,
		[]byte(".."), RootInode, RootInode,
	); err != nil {
		return fmt.Errorf("metadata: init root entry: %w", err)
	}
	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}
