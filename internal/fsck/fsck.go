// Package fsck checks the metadata database for inconsistencies and
// optionally repairs them. Checks are table-driven: each rule is a
// detection query plus an optional fix statement.
package fsck

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gaby/cloudpfs/internal/metadata"
)

// Exit codes reported by the fsck command.
const (
	ExitClean      = 0
	ExitFixed      = 1
	ExitTestErrors = 4
)

// Rule is one consistency check. Detect returns one row per violation;
// Fix repairs a single violation row. Rules without a Fix are
// report-only.
type Rule struct {
	Name   string
	Detect string
	Format func(row []int64) string
	Fix    string
	// FixArgs maps a violation row onto Fix's placeholders.
	FixArgs func(row []int64) []any
}

var rules = []Rule{
	{
		Name: "nlink",
		Detect: `
			SELECT inodes.inode, inodes.nlink,
				COUNT(contents.parent_inode) AS real_nlink
			FROM inodes
			LEFT JOIN contents ON inodes.inode = contents.inode
			GROUP BY inodes.inode
			HAVING inodes.nlink != real_nlink`,
		Format: func(row []int64) string {
			return fmt.Sprintf("inode %d nlink %d -> %d", row[0], row[1], row[2])
		},
		Fix:     "UPDATE inodes SET nlink = ? WHERE inode = ?",
		FixArgs: func(row []int64) []any { return []any{row[2], row[0]} },
	},
	{
		Name: "invalid_symlink",
		Detect: fmt.Sprintf(`
			SELECT inode, 0, 0 FROM (
				SELECT inodes.inode AS inode, targets.path AS path
				FROM inodes
				LEFT OUTER JOIN targets ON inodes.inode = targets.inode
				WHERE inodes.mode & %d == %d)
			WHERE path IS NULL`, unix.S_IFMT, unix.S_IFLNK),
		Format: func(row []int64) string {
			return fmt.Sprintf("symlink %d has no target", row[0])
		},
		Fix:     "INSERT INTO targets (inode, path) VALUES (?, CAST('invalid' AS BLOB))",
		FixArgs: func(row []int64) []any { return []any{row[0]} },
	},
	{
		Name: "invalid_dir_nlink",
		Detect: fmt.Sprintf(`
			SELECT inode, nlink, 0 FROM inodes
			WHERE mode & %d == %d AND nlink > 1`, unix.S_IFMT, unix.S_IFDIR),
		Format: func(row []int64) string {
			return fmt.Sprintf("directory %d has nlink %d", row[0], row[1])
		},
	},
	{
		Name: "orphan_content",
		Detect: `
			SELECT contents.rowid, contents.inode, 0
			FROM contents
			LEFT JOIN inodes ON contents.inode = inodes.inode
			WHERE inodes.inode IS NULL`,
		Format: func(row []int64) string {
			return fmt.Sprintf("entry %d references missing inode %d", row[0], row[1])
		},
	},
}

// Run executes every rule. With testOnly, violations are reported but
// not repaired. The returned exit code follows the command convention:
// 0 clean, 1 errors found (and fixed where the rule has a fix), 4
// test-only mode detected errors.
func Run(ctx context.Context, db *metadata.DB, testOnly bool, log *logrus.Logger) (int, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	exit := ExitClean
	for _, rule := range rules {
		code, err := runRule(ctx, db, rule, testOnly, log)
		if err != nil {
			return exit, err
		}
		if code > exit {
			exit = code
		}
	}
	return exit, nil
}

func runRule(ctx context.Context, db *metadata.DB, rule Rule, testOnly bool, log *logrus.Logger) (int, error) {
	rows, err := db.SQL.QueryContext(ctx, rule.Detect)
	if err != nil {
		return ExitClean, fmt.Errorf("fsck: %s: %w", rule.Name, err)
	}
	defer rows.Close()

	var violations [][]int64
	for rows.Next() {
		row := make([]int64, 3)
		if err := rows.Scan(&row[0], &row[1], &row[2]); err != nil {
			return ExitClean, fmt.Errorf("fsck: %s: %w", rule.Name, err)
		}
		violations = append(violations, row)
	}
	if err := rows.Err(); err != nil {
		return ExitClean, fmt.Errorf("fsck: %s: %w", rule.Name, err)
	}
	if len(violations) == 0 {
		return ExitClean, nil
	}

	for _, v := range violations {
		log.WithField("check", rule.Name).Debug(rule.Format(v))
	}
	log.WithFields(logrus.Fields{"check": rule.Name, "errors": len(violations)}).Warn("fsck errors")

	if testOnly {
		return ExitTestErrors, nil
	}
	if rule.Fix == "" {
		// nothing to repair, report only
		return ExitFixed, nil
	}
	for _, v := range violations {
		if _, err := db.SQL.ExecContext(ctx, rule.Fix, rule.FixArgs(v)...); err != nil {
			return ExitClean, fmt.Errorf("fsck: fix %s: %w", rule.Name, err)
		}
	}
	return ExitFixed, nil
}
