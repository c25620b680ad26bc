package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ObjectsPath is the URL prefix under which local objects are served.
const ObjectsPath = "/objects"

const writeChunkSize = 64 * 1024

type localStore struct {
	dir     string
	baseURL string
}

// NewLocalStore keeps objects on disk under dir. Download URLs are
// baseURL + ObjectsPath + "/" + key, so dir has to be served at ObjectsPath.
func NewLocalStore(dir, baseURL string) (ObjectStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &localStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *localStore) Put(ctx context.Context, key string, data []byte, contentType string, progress func(bytesTransferred int64)) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create object file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeChunks(ctx, tmp, data, progress); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit object: %w", err)
	}
	return nil
}

func (s *localStore) ResolveURL(ctx context.Context, key string) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("object %q not found: %w", key, err)
	}

	return s.baseURL + ObjectsPath + "/" + escapeKey(key), nil
}

// path maps key to a file below dir, rejecting keys that escape it.
func (s *localStore) path(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("object key must not be empty")
	}
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if clean == string(filepath.Separator) || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.dir, clean), nil
}

func writeChunks(ctx context.Context, w io.Writer, data []byte, progress func(int64)) error {
	var written int64
	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := writeChunkSize
		if n > len(data) {
			n = len(data)
		}
		if _, err := w.Write(data[:n]); err != nil {
			return fmt.Errorf("failed to write object: %w", err)
		}
		data = data[n:]
		written += int64(n)
		if progress != nil {
			progress(written)
		}
	}
	return nil
}
