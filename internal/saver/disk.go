package saver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DiskSink writes realtime save payloads under a root directory, creating
// date folders on demand and uniquifying names on collision.
type DiskSink struct {
	root string
}

// NewDiskSink creates the root directory if needed.
func NewDiskSink(root string) (*DiskSink, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DiskSink{root: root}, nil
}

// Write stores payload at the sink-relative path, never overwriting an
// existing file: collisions get a " (n)" suffix before the extension.
func (d *DiskSink) Write(relPath string, payload []byte) error {
	full := filepath.Join(d.root, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}

	target := full
	for n := 1; ; n++ {
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.Write(payload)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			return werr
		}
		if !os.IsExist(err) {
			return err
		}
		target = uniquify(full, n)
		if n > 1000 {
			return fmt.Errorf("too many name collisions for %s", relPath)
		}
	}
}

func uniquify(full string, n int) string {
	ext := filepath.Ext(full)
	base := strings.TrimSuffix(full, ext)
	return fmt.Sprintf("%s (%d)%s", base, n, ext)
}
