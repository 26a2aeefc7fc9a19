package session

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// FileMedium stores the session document in a local file. Saves write a
// temporary file in the same directory, fsync it and rename it over the
// target, so readers never observe a partial document.
type FileMedium struct {
	path string
}

// NewFileMedium creates a file medium for path.
func NewFileMedium(path string) *FileMedium {
	return &FileMedium{path: path}
}

// Name implements Medium.
func (m *FileMedium) Name() string {
	return "file"
}

// Path returns the document path.
func (m *FileMedium) Path() string {
	return m.path
}

// Load implements Medium.
func (m *FileMedium) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Save implements Medium.
func (m *FileMedium) Save(_ context.Context, data []byte) error {
	return writeFileAtomic(m.path, data)
}

// Preserve implements Preserver by renaming the document aside.
func (m *FileMedium) Preserve(_ context.Context, _ []byte) (string, error) {
	dst := m.path + ".corrupt-" + time.Now().UTC().Format(corruptSuffixLayout)
	if err := os.Rename(m.path, dst); err != nil {
		return "", util.WrapError("move corrupt sessions file", err)
	}
	return dst, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create sessions directory", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return util.WrapError("create temp file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		return errors.Join(util.WrapError("write temp file", err), tmp.Close(), os.Remove(tmpName))
	}
	if err := tmp.Sync(); err != nil {
		return errors.Join(util.WrapError("sync temp file", err), tmp.Close(), os.Remove(tmpName))
	}
	if err := tmp.Close(); err != nil {
		return errors.Join(util.WrapError("close temp file", err), os.Remove(tmpName))
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return errors.Join(util.WrapError("chmod temp file", err), os.Remove(tmpName))
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Join(util.WrapError("replace sessions file", err), os.Remove(tmpName))
	}
	return nil
}
