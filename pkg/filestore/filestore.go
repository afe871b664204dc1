package filestore

import (
	"context"
	"fmt"
	"strings"

	"github.com/hikariwave/hikariwave/pkg/filestore/local"
	"github.com/hikariwave/hikariwave/pkg/filestore/s3"
)

type fs interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}

// Store persists generation assets (audio, lyrics, cover art) on a
// pluggable backend.
type Store struct {
	fs fs
}

func Audio(id, format string) string {
	if format == "" {
		format = "wav"
	}
	return fmt.Sprintf("%s.%s", id, format)
}

func LRC(id string) string {
	return fmt.Sprintf("%s.lrc", id)
}

func Lyrics(id string) string {
	return fmt.Sprintf("%s.txt", id)
}

func Cover(id string) string {
	return fmt.Sprintf("%s.png", id)
}

func (s *Store) SetAudio(ctx context.Context, data []byte, id, format string) error {
	return s.fs.Put(ctx, Audio(id, format), data)
}

func (s *Store) GetAudio(ctx context.Context, id, format string) ([]byte, error) {
	return s.fs.Get(ctx, Audio(id, format))
}

func (s *Store) DeleteAudio(ctx context.Context, id, format string) error {
	return s.fs.Delete(ctx, Audio(id, format))
}

func (s *Store) SetLRC(ctx context.Context, data []byte, id string) error {
	return s.fs.Put(ctx, LRC(id), data)
}

func (s *Store) SetLyrics(ctx context.Context, data []byte, id string) error {
	return s.fs.Put(ctx, Lyrics(id), data)
}

func (s *Store) DeleteLyrics(ctx context.Context, id string) error {
	if err := s.fs.Delete(ctx, LRC(id)); err != nil {
		return err
	}
	return s.fs.Delete(ctx, Lyrics(id))
}

func (s *Store) SetCover(ctx context.Context, data []byte, id string) error {
	return s.fs.Put(ctx, Cover(id), data)
}

func (s *Store) GetCover(ctx context.Context, id string) ([]byte, error) {
	return s.fs.Get(ctx, Cover(id))
}

func (s *Store) DeleteCover(ctx context.Context, id string) error {
	return s.fs.Delete(ctx, Cover(id))
}

type pather interface {
	Path(name string) string
}

// AudioPath returns the on-disk location of an audio asset when the
// backend is file based. Remote backends report false and callers skip
// path-based post-processing.
func (s *Store) AudioPath(id, format string) (string, bool) {
	p, ok := s.fs.(pather)
	if !ok {
		return "", false
	}
	return p.Path(Audio(id, format)), true
}

// CoverPath is the on-disk location of a cover asset, when available.
func (s *Store) CoverPath(id string) (string, bool) {
	p, ok := s.fs.(pather)
	if !ok {
		return "", false
	}
	return p.Path(Cover(id)), true
}

// New creates a file store. Supported types are "local" (conn is the
// root directory) and "s3" (conn is "key:secret@region/bucket").
func New(typ, conn string, debug bool) (*Store, error) {
	var fs fs
	switch typ {
	case "local", "":
		root := conn
		if root == "" {
			root = "storage"
		}
		candidate, err := local.New(root, debug)
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		fs = candidate
	case "s3":
		split := strings.Split(conn, "@")
		if len(split) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 connection string %q", conn)
		}
		creds := strings.SplitN(split[0], ":", 2)
		if len(creds) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 credentials %q", split[0])
		}
		location := strings.SplitN(split[1], "/", 2)
		if len(location) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 location %q", split[1])
		}
		candidate, err := s3.New(creds[0], creds[1], location[0], location[1], debug)
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		fs = candidate
	default:
		return nil, fmt.Errorf("filestore: unknown type: %s", typ)
	}
	return &Store{fs: fs}, nil
}
