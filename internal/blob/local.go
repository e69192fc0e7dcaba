// Package blob stores uploaded import files in a local directory.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a path has no stored file
var ErrNotFound = errors.New("blob not found")

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Local keeps blobs as files under a root directory
type Local struct {
	dir string
}

// NewLocal creates the root directory if needed
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

// Upload stores data under a unique path derived from name and returns it
func (l *Local) Upload(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	base := unsafeName.ReplaceAllString(filepath.Base(name), "_")
	base = strings.Trim(base, "._")
	if base == "" {
		base = "upload.csv"
	}
	key := path.Join("imports", uuid.NewString()+"-"+base)

	full, err := l.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create blob dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	return key, nil
}

// Download returns the stored bytes for key
func (l *Local) Download(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Delete removes key; deleting a missing blob is not an error
func (l *Local) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// resolve maps a slash-separated key inside the root directory
func (l *Local) resolve(key string) (string, error) {
	slashed := strings.ReplaceAll(key, "\\", "/")
	for _, segment := range strings.Split(slashed, "/") {
		if segment == ".." {
			return "", fmt.Errorf("invalid blob path %q", key)
		}
	}
	clean := path.Clean("/" + slashed)
	if clean == "/" {
		return "", fmt.Errorf("invalid blob path %q", key)
	}
	return filepath.Join(l.dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}
