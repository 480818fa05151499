// Package file persists transcripts and usage as JSON lines in a single
// append-only file.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/voxnote/pkg/store"
)

// Line types.
const (
	TypeTranscript = "transcript"
	TypeUsage      = "usage"
)

var _ store.Backend = (*Store)(nil)

// Line is one JSON line in the file. Exactly one of Record and Usage is set.
type Line struct {
	Type   string        `json:"type"`
	At     time.Time     `json:"at"`
	Record *store.Record `json:"record,omitempty"`
	Usage  *store.Usage  `json:"usage,omitempty"`
}

// Store appends [Line] values to a file. Writes are serialised by a mutex.
type Store struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
	now  func() time.Time
}

// Open opens path for appending, creating it with mode 0o644 if needed.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("file store: open: %w", err)
	}
	return &Store{f: f, enc: json.NewEncoder(f), path: path, now: time.Now}, nil
}

// Save appends rec as a transcript line.
func (s *Store) Save(_ context.Context, rec store.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	return s.append(Line{Type: TypeTranscript, Record: &rec})
}

// RecordUsage appends u as a usage line. Totals are left to the reader.
func (s *Store) RecordUsage(_ context.Context, u store.Usage) error {
	return s.append(Line{Type: TypeUsage, Usage: &u})
}

// Ping reports whether the file is still open and writable.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("file store: %s is closed", s.path)
	}
	if _, err := s.f.Stat(); err != nil {
		return fmt.Errorf("file store: stat: %w", err)
	}
	return nil
}

// Close syncs and closes the file. Later writes fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	syncErr := s.f.Sync()
	closeErr := s.f.Close()
	s.f = nil
	if syncErr != nil {
		return fmt.Errorf("file store: sync: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("file store: close: %w", closeErr)
	}
	return nil
}

func (s *Store) append(l Line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("file store: %s is closed", s.path)
	}
	l.At = s.now().UTC()
	if err := s.enc.Encode(l); err != nil {
		return fmt.Errorf("file store: write %s: %w", l.Type, err)
	}
	return nil
}
