// Package filestore keeps session snapshots and quiz definitions as JSON files on local disk.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"quizlive/internal/domain"
)

const snapshotExt = ".json"

var validCode = regexp.MustCompile(`^[A-Z0-9]{1,16}$`)

// SnapshotStore writes one file per room under dir. Writes go to a temporary
// file that is renamed into place, so a crash never leaves a torn snapshot.
type SnapshotStore struct {
	dir string
}

// NewSnapshotStore creates dir if needed.
func NewSnapshotStore(dir string) (*SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &SnapshotStore{dir: dir}, nil
}

func (s *SnapshotStore) path(code string) (string, error) {
	if !validCode.MatchString(code) {
		return "", fmt.Errorf("invalid room code %q", code)
	}
	return filepath.Join(s.dir, code+snapshotExt), nil
}

func (s *SnapshotStore) Put(_ context.Context, code string, blob []byte) error {
	target, err := s.path(code)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+code+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Get(_ context.Context, code string) ([]byte, error) {
	target, err := s.path(code)
	if err != nil {
		return nil, domain.ErrSnapshotNotFound
	}
	blob, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrSnapshotNotFound
	}
	return blob, err
}

func (s *SnapshotStore) Delete(_ context.Context, code string) error {
	target, err := s.path(code)
	if err != nil {
		return nil
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *SnapshotStore) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var codes []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		code := strings.TrimSuffix(name, snapshotExt)
		if validCode.MatchString(code) {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}
