package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

type store struct {
	root string
}

func New(root string, debug bool) (*store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("local: couldn't create root %q: %w", root, err)
	}
	return &store{root: root}, nil
}

func (s *store) Put(ctx context.Context, name string, data []byte) error {
	dst := filepath.Join(s.root, name)
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("local: couldn't write file %q: %w", dst, err)
	}
	return nil
}

func (s *store) Get(ctx context.Context, name string) ([]byte, error) {
	src := filepath.Join(s.root, name)
	b, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("local: couldn't read file %q: %w", src, err)
	}
	return b, nil
}

func (s *store) Delete(ctx context.Context, name string) error {
	dst := filepath.Join(s.root, name)
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("local: couldn't delete file %q: %w", dst, err)
	}
	return nil
}

// Path returns the absolute location of a stored file.
func (s *store) Path(name string) string {
	return filepath.Join(s.root, name)
}
