package core

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeFileDurable writes data to path by creating a temp file in the
// same directory, fsyncing it, renaming it over path, then fsyncing
// the directory — so a crash never leaves a partially written file
// visible under its final name.
func writeFileDurable(path string, data []byte) (rerr error) {
	dir := filepath.Dir(path)
	tmpPath := path + ".tmp"

	defer func() {
		if rerr != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	tmpf, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %q: %w", tmpPath, err)
	}

	if _, err := tmpf.Write(data); err != nil {
		_ = tmpf.Close()
		return fmt.Errorf("write %q: %w", tmpPath, err)
	}
	if err := tmpf.Sync(); err != nil {
		_ = tmpf.Close()
		return fmt.Errorf("sync %q: %w", tmpPath, err)
	}
	if err := tmpf.Close(); err != nil {
		return fmt.Errorf("close %q: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %q to %q: %w", tmpPath, path, err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open %q: %w", dir, err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync %q: %w", dir, err)
	}

	return nil
}
