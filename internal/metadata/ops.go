package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Attr is one row of the inodes table.
type Attr struct {
	Inode      uint64
	Generation uint64
	Mode       uint32
	Nlink      uint32
	UID        uint32
	GID        uint32
	Rdev       uint32
	Size       int64
	Atime      time.Time
	Ctime      time.Time
	Mtime      time.Time
}

func (a *Attr) IsDir() bool {
	return a.Mode&unix.S_IFMT == unix.S_IFDIR
}

func (a *Attr) IsSymlink() bool {
	return a.Mode&unix.S_IFMT == unix.S_IFLNK
}

// Dirent is one directory entry.
type Dirent struct {
	Name  []byte
	Inode uint64
	Mode  uint32
}

const attrColumns = "inode, generation, mode, nlink, uid, gid, rdev, size, atime, ctime, mtime"

func scanAttr(row *sql.Row) (*Attr, error) {
	var a Attr
	var atime, ctime, mtime float64
	err := row.Scan(&a.Inode, &a.Generation, &a.Mode, &a.Nlink, &a.UID, &a.GID,
		&a.Rdev, &a.Size, &atime, &ctime, &mtime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoEntry
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: scan inode: %w", err)
	}
	a.Atime = fromUnixSeconds(atime)
	a.Ctime = fromUnixSeconds(ctime)
	a.Mtime = fromUnixSeconds(mtime)
	return &a, nil
}

// GetAttr returns the attributes of inode.
func (db *DB) GetAttr(ctx context.Context, inode uint64) (*Attr, error) {
	row := db.SQL.QueryRowContext(ctx,
		"SELECT "+attrColumns+" FROM inodes WHERE inode = ?", inode)
	return scanAttr(row)
}

// SetAttr updates the mutable attributes of a.Inode.
func (db *DB) SetAttr(ctx context.Context, a *Attr) error {
	res, err := db.SQL.ExecContext(ctx,
		`UPDATE inodes SET mode = ?, uid = ?, gid = ?, size = ?,
		 atime = ?, ctime = ?, mtime = ? WHERE inode = ?`,
		a.Mode, a.UID, a.GID, a.Size,
		unixSeconds(a.Atime), unixSeconds(a.Ctime), unixSeconds(a.Mtime), a.Inode)
	if err != nil {
		return fmt.Errorf("metadata: setattr %d: %w", a.Inode, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoEntry
	}
	return nil
}

// SetSize updates just the size and mtime of inode, the hot path for
// writes.
func (db *DB) SetSize(ctx context.Context, inode uint64, size int64) error {
	now := unixSeconds(time.Now())
	_, err := db.SQL.ExecContext(ctx,
		"UPDATE inodes SET size = ?, mtime = ? WHERE inode = ?", size, now, inode)
	if err != nil {
		return fmt.Errorf("metadata: setsize %d: %w", inode, err)
	}
	return nil
}

// Lookup resolves name inside the parent directory.
func (db *DB) Lookup(ctx context.Context, parent uint64, name []byte) (*Attr, error) {
	row := db.SQL.QueryRowContext(ctx,
		"SELECT "+attrColumns+` FROM inodes
		 WHERE inode = (SELECT inode FROM contents WHERE parent_inode = ? AND name = ?)`,
		parent, name)
	return scanAttr(row)
}

// ReadDir lists the entries of a directory. The root's ".." bookkeeping
// row is skipped, and no "." or ".." entries are returned.
func (db *DB) ReadDir(ctx context.Context, parent uint64) ([]Dirent, error) {
	rows, err := db.SQL.QueryContext(ctx,
		`SELECT contents.name, contents.inode, inodes.mode
		 FROM contents JOIN inodes ON contents.inode = inodes.inode
		 WHERE contents.parent_inode = ? AND contents.name != CAST('..' AS BLOB)
		 ORDER BY contents.rowid`, parent)
	if err != nil {
		return nil, fmt.Errorf("metadata: readdir %d: %w", parent, err)
	}
	defer rows.Close()
	var out []Dirent
	for rows.Next() {
		var e Dirent
		if err := rows.Scan(&e.Name, &e.Inode, &e.Mode); err != nil {
			return nil, fmt.Errorf("metadata: readdir %d: %w", parent, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Mknod creates an inode of the given mode and links it under parent.
func (db *DB) Mknod(ctx context.Context, parent uint64, name []byte, mode, uid, gid, rdev uint32) (*Attr, error) {
	tx, err := db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata: mknod: %w", err)
	}
	defer tx.Rollback()

	now := unixSeconds(time.Now())
	res, err := tx.ExecContext(ctx,
		`INSERT INTO inodes (mode, nlink, uid, gid, rdev, atime, ctime, mtime)
		 VALUES (?, 1, ?, ?, ?, ?, ?, ?)`,
		mode, uid, gid, rdev, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("metadata: mknod: %w", err)
	}
	inode, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("metadata: mknod: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO contents (name, parent_inode, inode) VALUES (?, ?, ?)",
		name, parent, inode); err != nil {
		return nil, fmt.Errorf("metadata: mknod link %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("metadata: mknod: %w", err)
	}
	return db.GetAttr(ctx, uint64(inode))
}

// Symlink creates a symlink inode pointing at target.
func (db *DB) Symlink(ctx context.Context, parent uint64, name, target []byte, uid, gid uint32) (*Attr, error) {
	a, err := db.Mknod(ctx, parent, name, unix.S_IFLNK|0o777, uid, gid, 0)
	if err != nil {
		return nil, err
	}
	if _, err := db.SQL.ExecContext(ctx,
		"INSERT INTO targets (inode, path) VALUES (?, ?)", a.Inode, target); err != nil {
		return nil, fmt.Errorf("metadata: symlink target: %w", err)
	}
	if err := db.SetSize(ctx, a.Inode, int64(len(target))); err != nil {
		return nil, err
	}
	a.Size = int64(len(target))
	return a, nil
}

// Readlink returns the target of a symlink inode.
func (db *DB) Readlink(ctx context.Context, inode uint64) ([]byte, error) {
	var target []byte
	err := db.SQL.QueryRowContext(ctx,
		"SELECT path FROM targets WHERE inode = ?", inode).Scan(&target)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoEntry
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: readlink %d: %w", inode, err)
	}
	return target, nil
}

// Link adds another directory entry for an existing inode.
func (db *DB) Link(ctx context.Context, parent uint64, name []byte, inode uint64) (*Attr, error) {
	tx, err := db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata: link: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO contents (name, parent_inode, inode) VALUES (?, ?, ?)",
		name, parent, inode); err != nil {
		return nil, fmt.Errorf("metadata: link %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE inodes SET nlink = nlink + 1 WHERE inode = ?", inode); err != nil {
		return nil, fmt.Errorf("metadata: link %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("metadata: link: %w", err)
	}
	return db.GetAttr(ctx, inode)
}

// Unlink removes a directory entry. When the last link goes, the inode
// row and its targets/xattrs are deleted too; orphaned reports that,
// so the caller can drop the content blob.
func (db *DB) Unlink(ctx context.Context, parent uint64, name []byte) (inode uint64, orphaned bool, err error) {
	tx, err := db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("metadata: unlink: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		"SELECT inode FROM contents WHERE parent_inode = ? AND name = ?",
		parent, name).Scan(&inode)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, ErrNoEntry
	}
	if err != nil {
		return 0, false, fmt.Errorf("metadata: unlink %q: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM contents WHERE parent_inode = ? AND name = ?", parent, name); err != nil {
		return 0, false, fmt.Errorf("metadata: unlink %q: %w", name, err)
	}
	var nlink uint32
	if err := tx.QueryRowContext(ctx,
		"UPDATE inodes SET nlink = nlink - 1 WHERE inode = ? RETURNING nlink",
		inode).Scan(&nlink); err != nil {
		return 0, false, fmt.Errorf("metadata: unlink %q: %w", name, err)
	}
	if nlink == 0 {
		for _, stmt := range []string{
			"DELETE FROM xattrs WHERE inode = ?",
			"DELETE FROM targets WHERE inode = ?",
			"DELETE FROM inodes WHERE inode = ?",
		} {
			if _, err := tx.ExecContext(ctx, stmt, inode); err != nil {
				return 0, false, fmt.Errorf("metadata: unlink %q: %w", name, err)
			}
		}
		orphaned = true
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("metadata: unlink: %w", err)
	}
	return inode, orphaned, nil
}

// Rmdir removes an empty directory.
func (db *DB) Rmdir(ctx context.Context, parent uint64, name []byte) error {
	var inode uint64
	err := db.SQL.QueryRowContext(ctx,
		"SELECT inode FROM contents WHERE parent_inode = ? AND name = ?",
		parent, name).Scan(&inode)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoEntry
	}
	if err != nil {
		return fmt.Errorf("metadata: rmdir %q: %w", name, err)
	}
	var children int
	if err := db.SQL.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM contents WHERE parent_inode = ?", inode).Scan(&children); err != nil {
		return fmt.Errorf("metadata: rmdir %q: %w", name, err)
	}
	if children > 0 {
		return unix.ENOTEMPTY
	}
	_, _, err = db.Unlink(ctx, parent, name)
	return err
}

// Rename moves an entry, replacing the destination if it exists.
func (db *DB) Rename(ctx context.Context, oldParent uint64, oldName []byte, newParent uint64, newName []byte) error {
	if _, err := db.Lookup(ctx, oldParent, oldName); err != nil {
		return err
	}
	if _, err := db.Lookup(ctx, newParent, newName); err == nil {
		if _, _, err := db.Unlink(ctx, newParent, newName); err != nil {
			return err
		}
	}
	_, err := db.SQL.ExecContext(ctx,
		"UPDATE contents SET name = ?, parent_inode = ? WHERE parent_inode = ? AND name = ?",
		newName, newParent, oldParent, oldName)
	if err != nil {
		return fmt.Errorf("metadata: rename %q: %w", oldName, err)
	}
	return nil
}

// GetXattr returns the value stored under key.
func (db *DB) GetXattr(ctx context.Context, inode uint64, key []byte) ([]byte, error) {
	var value []byte
	err := db.SQL.QueryRowContext(ctx,
		"SELECT value FROM xattrs WHERE inode = ? AND key = ?", inode, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoEntry
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: getxattr: %w", err)
	}
	return value, nil
}

// SetXattr inserts or replaces an extended attribute.
func (db *DB) SetXattr(ctx context.Context, inode uint64, key, value []byte) error {
	_, err := db.SQL.ExecContext(ctx,
		`INSERT INTO xattrs (inode, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (inode, key) DO UPDATE SET value = excluded.value`,
		inode, key, value)
	if err != nil {
		return fmt.Errorf("metadata: setxattr: %w", err)
	}
	return nil
}

// ListXattrs returns all attribute keys of inode.
func (db *DB) ListXattrs(ctx context.Context, inode uint64) ([][]byte, error) {
	rows, err := db.SQL.QueryContext(ctx,
		"SELECT key FROM xattrs WHERE inode = ? ORDER BY rowid", inode)
	if err != nil {
		return nil, fmt.Errorf("metadata: listxattrs: %w", err)
	}
	defer rows.Close()
	var keys [][]byte
	for rows.Next() {
		var k []byte
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("metadata: listxattrs: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RemoveXattr deletes an extended attribute.
func (db *DB) RemoveXattr(ctx context.Context, inode uint64, key []byte) error {
	res, err := db.SQL.ExecContext(ctx,
		"DELETE FROM xattrs WHERE inode = ? AND key = ?", inode, key)
	if err != nil {
		return fmt.Errorf("metadata: removexattr: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoEntry
	}
	return nil
}
