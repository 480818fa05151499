package transcript

import (
	"encoding/json"
	"time"
)

// Export is the serialisable form of a transcript.
type Export struct {
	RawTranscript       string         `json:"raw_transcript"`
	ProcessedTranscript string         `json:"processed_transcript"`
	Chunks              []Chunk        `json:"chunks"`
	Metadata            ExportMetadata `json:"metadata"`
}

// ExportMetadata describes an [Export].
type ExportMetadata struct {
	ExportedAt        time.Time `json:"exported_at"`
	TotalChunks       int       `json:"total_chunks"`
	ProcessedChunks   int       `json:"processed_chunks"`
	AverageConfidence float64   `json:"average_confidence"`
}

// Export snapshots the transcript for persistence.
func (a *Assembler) Export() Export {
	st := a.State()
	return Export{
		RawTranscript:       st.RawTranscript,
		ProcessedTranscript: st.ProcessedTranscript,
		Chunks:              st.Chunks,
		Metadata: ExportMetadata{
			ExportedAt:        a.now().UTC(),
			TotalChunks:       st.Stats.TotalChunks,
			ProcessedChunks:   st.Stats.ProcessedChunks,
			AverageConfidence: st.Stats.AverageConfidence,
		},
	}
}

// JSON returns the indented JSON encoding of e.
func (e Export) JSON() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}
