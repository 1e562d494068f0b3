package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	xerrors "MCP-Trader/internal/errors"
)

// FSBlobs stores each blob as a file under a root directory. Writes go to a
// temp file first and are renamed into place.
type FSBlobs struct {
	root string
}

func NewFSBlobs(root string) (*FSBlobs, error) {
	if strings.TrimSpace(root) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "blob directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, Failure(err, "create blob directory")
	}
	return &FSBlobs{root: root}, nil
}

func (f *FSBlobs) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f *FSBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	target := f.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Failure(err, "create blob directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".blob-*")
	if err != nil {
		return Failure(err, "put blob "+key)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Failure(err, "put blob "+key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Failure(err, "put blob "+key)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return Failure(err, "put blob "+key)
	}
	return nil
}

func (f *FSBlobs) Get(_ context.Context, key string) ([]byte, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, NotFound("blob " + key)
		}
		return nil, Failure(err, "get blob "+key)
	}
	return data, nil
}
