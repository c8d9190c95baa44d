package forensic

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fe-row/AEGIS/internal/aegis/errs"
)

// LocalSink is the filesystem-backed Sink used in development in place
// of a write-once object store. Files are written once with read-only
// permissions; it does not enforce retention.
type LocalSink struct {
	dir string
}

// NewLocalSink constructs a LocalSink rooted at dir, creating it if
// necessary.
func NewLocalSink(dir string) (*LocalSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Internal("create export sink directory", err)
	}
	return &LocalSink{dir: dir}, nil
}

// Upload implements Sink.
func (l *LocalSink) Upload(_ context.Context, objectKey string, batch []byte) error {
	path := filepath.Join(l.dir, filepath.Base(objectKey))
	if err := os.WriteFile(path, batch, 0o444); err != nil {
		return errs.Internal("write export batch", err)
	}
	return nil
}
