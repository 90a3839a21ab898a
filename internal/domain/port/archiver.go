package port

import (
	"context"
	"io"
	"time"
)

// ArchiveEntry is one file inside an archive. Write streams its content.
type ArchiveEntry struct {
	Name     string
	Modified time.Time
	Write    func(w io.Writer) error
}

type Archiver interface {
	Archive(ctx context.Context, w io.Writer, entries []ArchiveEntry) error
}
