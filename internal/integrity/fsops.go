package integrity

import (
	"fmt"
	"os"
)

// DatabaseFileMode is applied to the database file and its migration temp.
const DatabaseFileMode = 0o640

// FileOwner fixes ownership and permissions of the database file. Injected
// so tests and non-root runs can skip the chown.
type FileOwner interface {
	FixOwnership(path string) error
}

// Mover atomically replaces dst with src.
type Mover interface {
	Move(src, dst string) error
}

// OSFileOwner chowns to the configured service account and chmods to
// DatabaseFileMode. A negative UID or GID leaves ownership untouched.
type OSFileOwner struct {
	UID int
	GID int
}

// FixOwnership implements FileOwner.
func (o OSFileOwner) FixOwnership(path string) error {
	if o.UID >= 0 && o.GID >= 0 {
		if err := os.Chown(path, o.UID, o.GID); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}
	if err := os.Chmod(path, DatabaseFileMode); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

// RenameMover swaps files with os.Rename, which is atomic on the same
// filesystem. The temp file lives next to the database so that holds.
type RenameMover struct{}

// Move implements Mover.
func (RenameMover) Move(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s over %s: %w", src, dst, err)
	}
	return nil
}
