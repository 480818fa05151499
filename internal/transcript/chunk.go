// Package transcript assembles live speech-recognition fragments into a
// coherent, oracle-corrected transcript.
//
// A [Store] owns the ordered list of [Chunk] values and drives one background
// correction per qualifying chunk. Completions may arrive in any order; each
// one is re-validated against the store's generation before it is applied,
// so nothing survives a [Store.Clear]. An [Assembler] wraps a Store with
// enable/disable, debounced change notification and JSON export for the
// rendering surface.
//
// All exported types are safe for concurrent use.
package transcript

import "time"

// ChunkState is the derived lifecycle state of a [Chunk].
type ChunkState string

const (
	StatePending    ChunkState = "pending"
	StateProcessing ChunkState = "processing"
	StateCorrected  ChunkState = "corrected"
)

// Chunk is one recognised speech fragment.
type Chunk struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsFinal   bool      `json:"is_final"`

	// Corrected is nil while the chunk is pending or processing. Once set it
	// holds the oracle's cumulative transcript up to and including this
	// chunk, or the raw Text when Degraded.
	Corrected *string `json:"corrected,omitempty"`

	// Confidence is nil while Corrected is nil.
	Confidence *float64 `json:"confidence,omitempty"`

	IsProcessing bool `json:"is_processing"`

	// Degraded marks a raw-text fallback correction.
	Degraded bool `json:"degraded,omitempty"`
}

// State derives the chunk's lifecycle state.
func (c Chunk) State() ChunkState {
	switch {
	case c.IsProcessing:
		return StateProcessing
	case c.Corrected != nil:
		return StateCorrected
	default:
		return StatePending
	}
}

// Display returns the corrected text when present, else the raw text.
func (c Chunk) Display() string {
	if c.Corrected != nil {
		return *c.Corrected
	}
	return c.Text
}

// clone returns a copy that shares no pointers with c.
func (c Chunk) clone() Chunk {
	if c.Corrected != nil {
		v := *c.Corrected
		c.Corrected = &v
	}
	if c.Confidence != nil {
		v := *c.Confidence
		c.Confidence = &v
	}
	return c
}

// reset returns the chunk to pending.
func (c *Chunk) reset() {
	c.Corrected = nil
	c.Confidence = nil
	c.IsProcessing = false
	c.Degraded = false
}

// Stats summarises a store.
type Stats struct {
	TotalChunks      int `json:"total_chunks"`
	ProcessedChunks  int `json:"processed_chunks"`
	ProcessingChunks int `json:"processing_chunks"`

	// AverageConfidence is the mean confidence over processed chunks, or 0
	// when none are processed.
	AverageConfidence float64 `json:"average_confidence"`
}
