// Package file is the default snapshot store: one JSON document on disk,
// replaced atomically on every save.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/servisor/internal/store"
)

const version = 1

type document struct {
	Version  int                     `json:"version"`
	Services map[string]store.Record `json:"services"`
}

type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty state file path")
	}
	return &Store{path: p}, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) EnsureSchema(context.Context) error {
	if dir := filepath.Dir(s.path); dir != "." {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}

func (s *Store) read() (document, error) {
	doc := document{Version: version, Services: map[string]store.Record{}}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, err
	}
	if len(b) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return doc, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if doc.Services == nil {
		doc.Services = map[string]store.Record{}
	}
	return doc, nil
}

func (s *Store) write(doc document) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *Store) Save(_ context.Context, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	doc.Services[rec.Name] = rec
	return s.write(doc)
}

func (s *Store) Load(context.Context) ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]store.Record, 0, len(doc.Services))
	for _, r := range doc.Services {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetByName(_ context.Context, name string) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return store.Record{}, err
	}
	r, ok := doc.Services[name]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := doc.Services[name]; !ok {
		return nil
	}
	delete(doc.Services, name)
	return s.write(doc)
}

func (s *Store) Close() error { return nil }
