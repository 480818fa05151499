// Package store defines the persistence boundary for exported transcripts and
// correction usage.
//
// The transcript pipeline never manages storage itself. It hands a [Record]
// to a [Saver] and reports oracle usage to a [UsageRecorder]. Implementations
// live in subpackages: postgres (pgx), file (JSON lines) and kafka
// (segmentio/kafka-go).
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// SourceVoxnote is the Provenance.Source of records written by this service.
const SourceVoxnote = "voxnote"

// Usage kinds.
const (
	KindCorrection = "correction"
	KindCommand    = "command"
)

// ErrEmptyContent is returned when saving a record without content.
var ErrEmptyContent = errors.New("store: record content is empty")

// Provenance describes where a saved transcript came from.
type Provenance struct {
	SessionID         string    `json:"session_id"`
	Source            string    `json:"source"`
	RawTranscript     string    `json:"raw_transcript"`
	ChunkCount        int       `json:"chunk_count"`
	AverageConfidence float64   `json:"average_confidence"`
	ExportedAt        time.Time `json:"exported_at"`
}

// Record is one saved transcript.
type Record struct {
	Content    string     `json:"content"`
	Provenance Provenance `json:"provenance"`
}

// Validate reports whether r can be saved.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Content) == "" {
		return ErrEmptyContent
	}
	return nil
}

// Usage is an increment of oracle usage for one session.
type Usage struct {
	SessionID        string `json:"session_id"`
	Kind             string `json:"kind"`
	Calls            int64  `json:"calls"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// Saver persists transcripts.
type Saver interface {
	Save(ctx context.Context, rec Record) error
}

// UsageRecorder accumulates oracle usage.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, u Usage) error
}

// Pinger is implemented by backends that can check their connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backend is the full surface every implementation in this module provides.
type Backend interface {
	Saver
	UsageRecorder
	Pinger
	Close() error
}
