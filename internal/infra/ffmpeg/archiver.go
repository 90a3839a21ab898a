package ffmpeg

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/defactra/defactra-inspection-service/internal/domain/port"
)

// Archiver bundles key-frame images into a single zip for the report bucket.
type Archiver struct{}

func NewArchiver() *Archiver {
	return &Archiver{}
}

func (a *Archiver) Archive(ctx context.Context, w io.Writer, entries []port.ArchiveEntry) error {
	zw := zip.NewWriter(w)
	seen := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return err
		}

		name := path.Base(e.Name)
		if _, dup := seen[name]; dup {
			zw.Close()
			return fmt.Errorf("duplicate archive entry %q", name)
		}
		seen[name] = struct{}{}

		modified := e.Modified
		if modified.IsZero() {
			modified = time.Now()
		}
		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   compressionFor(name),
			Modified: modified,
		})
		if err != nil {
			zw.Close()
			return fmt.Errorf("add %s: %w", name, err)
		}
		if err := e.Write(entry); err != nil {
			zw.Close()
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}
	return nil
}

// JPEG and PNG are already compressed.
func compressionFor(name string) uint16 {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return zip.Store
	default:
		return zip.Deflate
	}
}
