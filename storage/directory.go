package storage

import (
	"context"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/roadrunner-server/errors"

	"github.com/TeamNewPipe/crash-report-importer/report"
)

// DirectoryStorage writes every entry into a JSON file named by its hash ID,
// sharded over subdirectories so no single directory grows unbounded. It also
// spools the raw RFC822 bytes of incoming mail, which happens before any
// parsing so a parser bug never loses the original artifact.
type DirectoryStorage struct {
	dir string
}

// NewDirectoryStorage creates the mailbox directory layout if needed.
func NewDirectoryStorage(dir string) (*DirectoryStorage, error) {
	const op = errors.Op("directory_storage_init")

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.E(op, err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.E(op, err)
	}

	if err := os.MkdirAll(filepath.Join(abs, "raw"), 0o755); err != nil {
		return nil, errors.E(op, err)
	}

	return &DirectoryStorage{dir: abs}, nil
}

// Dir returns the absolute mailbox directory path.
func (d *DirectoryStorage) Dir() string {
	return d.dir
}

// Save writes the entry to <dir>/<h[:1]>/<h[:3]>/<h[:5]>/<h>.json.
func (d *DirectoryStorage) Save(_ context.Context, entry *report.Entry) error {
	const op = errors.Op("directory_storage_save")

	id := entry.HashID() + ".json"
	subdir := filepath.Join(d.dir, id[:1], id[:3], id[:5])

	if err := os.MkdirAll(subdir, 0o755); err != nil {
		return errors.E(op, err)
	}

	path := filepath.Join(subdir, id)
	if _, err := os.Stat(path); err == nil {
		return ErrAlreadyStored
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return errors.E(op, err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.E(op, err)
	}

	return nil
}

// SpoolRaw persists the raw message bytes under <dir>/raw/<id>.eml and
// returns the file path. IDs are one-shot: a collision means the caller is
// about to overwrite an artifact, which is refused.
func (d *DirectoryStorage) SpoolRaw(id string, raw []byte) (string, error) {
	const op = errors.Op("directory_storage_spool_raw")

	path := filepath.Join(d.dir, "raw", id+".eml")
	if _, err := os.Stat(path); err == nil {
		return "", errors.E(op, errors.Str("spool file already exists: "+id))
	}

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", errors.E(op, err)
	}

	return path, nil
}
