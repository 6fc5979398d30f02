// Package storage archives model exports on the local filesystem.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Archive stores export files under a base directory, one directory
// per model.
type Archive struct {
	basePath string
}

func NewArchive(basePath string) *Archive {
	return &Archive{basePath: basePath}
}

// Save writes an export for the given model and returns its path.
// File names embed a UTC timestamp so Latest can pick the newest one
// lexicographically.
func (a *Archive) Save(_ context.Context, modelID, modelName string, reader io.Reader) (string, error) {
	dir := filepath.Join(a.basePath, modelID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s.csv", modelName, time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, reader); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// Latest opens the newest export for the given model.
func (a *Archive) Latest(_ context.Context, modelID string) (io.ReadCloser, string, error) {
	dir := filepath.Join(a.basePath, modelID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", fmt.Errorf("read dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, "", os.ErrNotExist
	}
	sort.Strings(names)
	name := names[len(names)-1]

	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, "", fmt.Errorf("open file: %w", err)
	}
	return f, name, nil
}

// Delete removes all exports for the given model.
func (a *Archive) Delete(_ context.Context, modelID string) error {
	dir := filepath.Join(a.basePath, modelID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove dir: %w", err)
	}
	return nil
}
