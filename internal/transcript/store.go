package transcript

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MrWong99/voxnote/internal/observe"
	"github.com/MrWong99/voxnote/internal/transcript/llmcorrect"
)

const defaultProcessThreshold = 10

// Oracle corrects a chunk of text given the preceding transcript.
// *llmcorrect.Corrector satisfies it.
type Oracle interface {
	Correct(ctx context.Context, text string, prior []string) (llmcorrect.Result, error)
}

var _ Oracle = (*llmcorrect.Corrector)(nil)

// StoreOption is a functional option for [NewStore].
type StoreOption func(*Store)

// WithProcessThreshold sets the trimmed length (in characters) above which a
// non-final chunk is corrected right away. Default: 10.
func WithProcessThreshold(n int) StoreOption {
	return func(s *Store) {
		if n >= 0 {
			s.threshold = n
		}
	}
}

// WithMaxContextChars caps the prior context sent to the oracle to roughly
// the last n characters. Zero, the default, sends everything.
func WithMaxContextChars(n int) StoreOption {
	return func(s *Store) {
		if n >= 0 {
			s.maxContext = n
		}
	}
}

// WithChangeHook installs fn, called after every processing transition. It
// runs without the store lock held.
func WithChangeHook(fn func()) StoreOption {
	return func(s *Store) {
		s.onChange = fn
	}
}

// WithStoreMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithStoreMetrics(m *observe.Metrics) StoreOption {
	return func(s *Store) {
		s.metrics = m
	}
}

// withClock overrides time.Now in tests.
func withClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// Store holds the ordered chunks of one transcript and runs their
// corrections.
type Store struct {
	oracle     Oracle
	threshold  int
	maxContext int
	onChange   func()
	metrics    *observe.Metrics
	now        func() time.Time

	mu         sync.Mutex
	chunks     []*Chunk
	byID       map[string]*Chunk
	processing int
	lastTS     time.Time

	// gen identifies the current transcript. Clear and ReprocessAll bump it
	// and cancel genCtx so in-flight completions are discarded.
	gen       uint64
	genCtx    context.Context
	cancelGen context.CancelFunc

	// settled is closed and replaced whenever processing drops to zero.
	settled chan struct{}
}

// NewStore returns an empty [Store]. A nil oracle degrades every chunk to its
// raw text.
func NewStore(oracle Oracle, opts ...StoreOption) *Store {
	s := &Store{
		oracle:    oracle,
		threshold: defaultProcessThreshold,
		now:       time.Now,
		byID:      make(map[string]*Chunk),
		settled:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.genCtx, s.cancelGen = context.WithCancel(context.Background())
	return s
}

// Add appends a chunk. Text that is empty after trimming is ignored and ("",
// false) is returned. Final chunks and chunks longer than the process
// threshold start correcting immediately.
func (s *Store) Add(text string, isFinal bool) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}

	s.mu.Lock()
	ts := s.now()
	if ts.Before(s.lastTS) {
		ts = s.lastTS
	}
	s.lastTS = ts
	c := &Chunk{
		ID:        uuid.NewString(),
		Text:      trimmed,
		Timestamp: ts,
		IsFinal:   isFinal,
	}
	s.chunks = append(s.chunks, c)
	s.byID[c.ID] = c
	s.mu.Unlock()

	s.metrics.RecordChunk(context.Background(), isFinal)

	if isFinal || utf8.RuneCountInString(trimmed) > s.threshold {
		s.Process(c.ID)
	}
	return c.ID, true
}

// Process starts correcting the chunk with the given id. It returns false
// when the chunk is unknown, already processing or already corrected.
func (s *Store) Process(id string) bool {
	_, ok := s.start(id)
	return ok
}

// start marks the chunk processing and launches its oracle call. The
// returned channel is closed once the call has finished and its result was
// applied or discarded.
func (s *Store) start(id string) (<-chan struct{}, bool) {
	s.mu.Lock()
	c, ok := s.byID[id]
	if !ok || c.IsProcessing || c.Corrected != nil {
		s.mu.Unlock()
		return nil, false
	}
	c.IsProcessing = true
	s.processing++
	prior := s.priorContext(c)
	text := c.Text
	gen, ctx := s.gen, s.genCtx
	s.mu.Unlock()

	s.changed()

	done := make(chan struct{})
	go s.correct(ctx, gen, id, text, prior, done)
	return done, true
}

// correct runs the oracle call and applies the result if the chunk is still
// part of the same transcript generation.
func (s *Store) correct(ctx context.Context, gen uint64, id, text string, prior []string, done chan struct{}) {
	defer close(done)

	var (
		res llmcorrect.Result
		err error
	)
	if s.oracle == nil {
		res = llmcorrect.Result{CorrectedText: text, Degraded: true}
	} else {
		res, err = s.oracle.Correct(ctx, text, prior)
	}

	s.mu.Lock()
	c, ok := s.byID[id]
	if gen != s.gen || !ok {
		s.mu.Unlock()
		slog.Debug("transcript: discarding stale correction", "chunk_id", id)
		return
	}

	corrected, conf, degraded := res.CorrectedText, res.Confidence, res.Degraded
	if err != nil || degraded || corrected == "" {
		corrected, conf, degraded = text, 0, true
	}
	c.Corrected = &corrected
	c.Confidence = &conf
	c.Degraded = degraded
	c.IsProcessing = false
	s.processing--
	if s.processing == 0 {
		close(s.settled)
		s.settled = make(chan struct{})
	}
	s.mu.Unlock()

	s.changed()
}

// priorContext returns the corrected-or-raw text of every chunk before c.
// Must be called with s.mu held.
func (s *Store) priorContext(c *Chunk) []string {
	var prior []string
	for _, p := range s.chunks {
		if p == c {
			break
		}
		prior = append(prior, p.Display())
	}
	if s.maxContext <= 0 {
		return prior
	}
	return capContext(prior, s.maxContext)
}

// capContext keeps the most recent entries whose space-joined length fits in
// limit characters. When even the newest entry is longer it is cut to its
// last limit characters.
func capContext(prior []string, limit int) []string {
	total := 0
	for i := len(prior) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(prior[i])
		if i < len(prior)-1 {
			n++ // separator
		}
		if total+n > limit {
			if i == len(prior)-1 {
				r := []rune(prior[i])
				return []string{string(r[len(r)-limit:])}
			}
			return prior[i+1:]
		}
		total += n
	}
	return prior
}

func (s *Store) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// ProcessedTranscript returns the best available corrected transcript.
//
// The newest chunk (by position) holding a non-degraded correction is the
// anchor: its corrected text already covers everything before it, so it is
// used verbatim and followed by the corrected-or-raw text of later chunks.
// Without an anchor every chunk's corrected-or-raw text is joined.
func (s *Store) ProcessedTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processedLocked()
}

func (s *Store) processedLocked() string {
	anchor := -1
	for i := len(s.chunks) - 1; i >= 0; i-- {
		if c := s.chunks[i]; c.Corrected != nil && !c.Degraded {
			anchor = i
			break
		}
	}

	parts := make([]string, 0, len(s.chunks))
	start := 0
	if anchor >= 0 {
		parts = append(parts, *s.chunks[anchor].Corrected)
		start = anchor + 1
	}
	for _, c := range s.chunks[start:] {
		parts = append(parts, c.Display())
	}
	return strings.Join(parts, " ")
}

// RawTranscript returns the space-joined raw text of every chunk.
func (s *Store) RawTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rawLocked()
}

func (s *Store) rawLocked() string {
	parts := make([]string, len(s.chunks))
	for i, c := range s.chunks {
		parts[i] = c.Text
	}
	return strings.Join(parts, " ")
}

// Clear drops every chunk and cancels in-flight corrections. Their results
// are discarded when they arrive.
func (s *Store) Clear() {
	s.mu.Lock()
	s.newGeneration()
	s.chunks = nil
	s.byID = make(map[string]*Chunk)
	s.lastTS = time.Time{}
	s.mu.Unlock()
}

// newGeneration must be called with s.mu held.
func (s *Store) newGeneration() {
	s.cancelGen()
	s.gen++
	s.genCtx, s.cancelGen = context.WithCancel(context.Background())
	if s.processing > 0 {
		s.processing = 0
		close(s.settled)
		s.settled = make(chan struct{})
	}
}

// Stats returns chunk counts and the average confidence.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() Stats {
	st := Stats{TotalChunks: len(s.chunks), ProcessingChunks: s.processing}
	var sum float64
	for _, c := range s.chunks {
		if c.Corrected != nil && c.Confidence != nil {
			st.ProcessedChunks++
			sum += *c.Confidence
		}
	}
	if st.ProcessedChunks > 0 {
		st.AverageConfidence = sum / float64(st.ProcessedChunks)
	}
	return st
}

// Chunks returns a deep copy of every chunk in order.
func (s *Store) Chunks() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunksLocked()
}

func (s *Store) chunksLocked() []Chunk {
	out := make([]Chunk, len(s.chunks))
	for i, c := range s.chunks {
		out[i] = c.clone()
	}
	return out
}

// IsProcessing reports whether any correction is in flight.
func (s *Store) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing > 0
}

// ReprocessAll resets every chunk to pending and corrects them again one
// after the other in original order, each with the freshly corrected context
// of its predecessors. In-flight corrections from before the call are
// discarded. It returns ctx's error if ctx ends first; chunks not reached yet
// stay pending.
func (s *Store) ReprocessAll(ctx context.Context) error {
	s.mu.Lock()
	s.newGeneration()
	ids := make([]string, len(s.chunks))
	for i, c := range s.chunks {
		c.reset()
		ids[i] = c.ID
	}
	s.mu.Unlock()
	s.changed()

	for _, id := range ids {
		done, ok := s.start(id)
		if !ok {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Flush starts correcting every chunk that is still pending and returns how
// many were started. It is used when the speech source closes so trailing
// interim chunks are corrected too.
func (s *Store) Flush() int {
	s.mu.Lock()
	var pending []string
	for _, c := range s.chunks {
		if c.State() == StatePending {
			pending = append(pending, c.ID)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, id := range pending {
		if s.Process(id) {
			n++
		}
	}
	return n
}

// Wait blocks until no correction is in flight or ctx ends.
func (s *Store) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.processing == 0 {
			s.mu.Unlock()
			return nil
		}
		ch := s.settled
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
