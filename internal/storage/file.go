package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "maptrack/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Each collection lives in its own file:
//
//	<prefix>.schedules.json
//	<prefix>.geocache.json
//
// Writes go to <file>.tmp and are renamed over the target, so a crash
// mid-write leaves the previous snapshot intact.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	prefix string
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &fileStore{log: log, prefix: prefix}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) collectionPath(collection string) string {
	return s.prefix + "." + collection + ".json"
}

func (s *fileStore) Load(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("file store closed")
	}

	path := s.collectionPath(collection)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}

	var records map[string]json.RawMessage
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrCorrupt, err)
	}
	if records == nil {
		records = map[string]json.RawMessage{}
	}
	return records, nil
}

func (s *fileStore) Replace(ctx context.Context, collection string, records map[string]json.RawMessage) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("file store closed")
	}
	if records == nil {
		records = map[string]json.RawMessage{}
	}

	path := s.collectionPath(collection)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
