// Package mock provides a recording [store.Backend] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxnote/pkg/store"
)

var _ store.Backend = (*Store)(nil)

// Store records every call. Set the Err fields to make the matching method
// fail. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	SaveErr  error
	UsageErr error
	PingErr  error

	SaveCalls  []store.Record
	UsageCalls []store.Usage
	PingCalls  int
	Closed     bool
}

// Save records rec. Validation matches the real backends.
func (s *Store) Save(_ context.Context, rec store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	s.SaveCalls = append(s.SaveCalls, rec)
	return nil
}

func (s *Store) RecordUsage(_ context.Context, u store.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UsageErr != nil {
		return s.UsageErr
	}
	s.UsageCalls = append(s.UsageCalls, u)
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PingCalls++
	return s.PingErr
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Saved returns a copy of the recorded records.
func (s *Store) Saved() []store.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Record, len(s.SaveCalls))
	copy(out, s.SaveCalls)
	return out
}

// Usages returns a copy of the recorded usage increments.
func (s *Store) Usages() []store.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Usage, len(s.UsageCalls))
	copy(out, s.UsageCalls)
	return out
}
