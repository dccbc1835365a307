package watermark

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

var (
	// SpoolDirPerms are the permissions the spool directory is created with.
	SpoolDirPerms os.FileMode = 0755
	// FilePerms are the permissions the watermark file is written with.
	FilePerms os.FileMode = 0644
)

// FileStore keeps the watermark as the text of <dir>/lastrun.
type FileStore struct {
	fs  afero.Fs
	dir string
	loc *time.Location
}

// FileStore must implement the Store interface
var _ Store = &FileStore{}

// NewFileStore returns a store under dir, creating the directory if it
// doesn't exist yet.
func NewFileStore(fs afero.Fs, dir string, loc *time.Location) (*FileStore, error) {
	dir = filepath.Clean(dir)
	if info, err := fs.Stat(dir); err != nil {
		// don't throw error if just doesn't exist
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("could not access spool directory '%s': %w", dir, err)
		}
		if err = fs.MkdirAll(dir, SpoolDirPerms); err != nil {
			return nil, fmt.Errorf("could not create spool directory '%s': %w", dir, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("the spool path '%s' is a file", dir)
	}

	return &FileStore{
		fs:  fs,
		dir: dir,
		loc: loc,
	}, nil
}

// Path returns the location of the watermark file.
func (f *FileStore) Path() string {
	return filepath.Join(f.dir, Filename)
}

func (f *FileStore) Get(ctx context.Context) (time.Time, error) {
	path := f.Path()
	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultIn(f.loc), nil
		}
		return time.Time{}, fmt.Errorf("failed to read watermark from '%s': %w", path, err)
	}
	return Parse(path, string(data), f.loc)
}

// Set replaces the watermark file. The new value is written next to it and
// renamed into place, so readers see either the old or the new value.
func (f *FileStore) Set(ctx context.Context, t time.Time) error {
	path := f.Path()
	tmp := filepath.Join(f.dir, "."+Filename+".tmp")
	if err := afero.WriteFile(f.fs, tmp, []byte(Format(t)), FilePerms); err != nil {
		return fmt.Errorf("failed to write watermark to '%s': %w", tmp, err)
	}
	if err := f.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace watermark '%s': %w", path, err)
	}
	return nil
}
