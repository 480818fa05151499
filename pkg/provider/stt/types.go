package stt

import "time"

// Transcript is one recognition result. Partials and finals share the type.
type Transcript struct {
	Text string

	// IsFinal distinguishes an authoritative result from an interim guess.
	IsFinal bool

	// Confidence is in [0, 1]. Zero when the provider does not report it.
	Confidence float64

	// Words holds per-word detail when the provider supplies it.
	Words []WordDetail

	// Start is the utterance start relative to the session start.
	Start time.Duration

	Duration time.Duration
}

// WordDetail is per-word recognition metadata.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost raises the recognition probability of a vocabulary term such
// as a product name or acronym.
type KeywordBoost struct {
	Keyword string

	// Boost is the provider-specific intensity.
	Boost float64
}
