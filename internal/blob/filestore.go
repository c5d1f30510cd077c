package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const fileScheme = "file"

// FileStore keeps blobs under a local directory.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating blob directory %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

// Put writes to a temp file, fsyncs, then renames into place.
func (s *FileStore) Put(ctx context.Context, ownerID string, obj Object) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	key := objectKey(ownerID, obj)
	fullPath := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return Ref{}, fmt.Errorf("creating blob directory: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return Ref{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(obj.Data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return Ref{}, fmt.Errorf("writing blob: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return Ref{}, fmt.Errorf("syncing blob: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return Ref{}, fmt.Errorf("closing blob: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return Ref{}, fmt.Errorf("renaming blob into place: %w", err)
	}

	return Ref{
		Locator:  fileScheme + "://" + key,
		Size:     int64(len(obj.Data)),
		Checksum: checksum(obj.Data),
	}, nil
}

func (s *FileStore) path(locator string) (string, error) {
	key, err := splitLocator(locator, fileScheme)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *FileStore) Open(_ context.Context, locator string) (io.ReadCloser, error) {
	p, err := s.path(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", locator, err)
	}
	return f, nil
}

// Delete removes the blob. Deleting a missing blob returns ErrNotFound.
func (s *FileStore) Delete(_ context.Context, locator string) error {
	p, err := s.path(locator)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	if err != nil {
		return fmt.Errorf("deleting blob %s: %w", locator, err)
	}
	return nil
}
