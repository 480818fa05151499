package transcript

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const defaultDebounce = 100 * time.Millisecond

// State is the snapshot delivered to subscribers.
type State struct {
	RawTranscript       string  `json:"raw_transcript"`
	ProcessedTranscript string  `json:"processed_transcript"`
	Chunks              []Chunk `json:"chunks"`
	IsProcessing        bool    `json:"is_processing"`
	Stats               Stats   `json:"stats"`
	Enabled             bool    `json:"enabled"`
}

// AssemblerOption is a functional option for [NewAssembler].
type AssemblerOption func(*assemblerConfig)

type assemblerConfig struct {
	debounce  time.Duration
	disabled  bool
	storeOpts []StoreOption
	now       func() time.Time
}

// WithDebounce sets how long ingestion notifications are held back so that a
// burst of fragments produces a single delivery. Zero delivers every Add.
// Default: 100ms.
func WithDebounce(d time.Duration) AssemblerOption {
	return func(c *assemblerConfig) {
		if d >= 0 {
			c.debounce = d
		}
	}
}

// WithEnabled sets the initial enabled state. Default: true.
func WithEnabled(enabled bool) AssemblerOption {
	return func(c *assemblerConfig) {
		c.disabled = !enabled
	}
}

// WithStoreOptions forwards options to the underlying [Store].
func WithStoreOptions(opts ...StoreOption) AssemblerOption {
	return func(c *assemblerConfig) {
		c.storeOpts = append(c.storeOpts, opts...)
	}
}

// Assembler is the realtime front of a [Store]: it gates input, notifies
// subscribers of changes and exports the transcript.
//
// Deliveries run one at a time on the assembler's own goroutine, never under
// a lock, so a subscriber may call back into the Assembler. Pending
// notifications coalesce: a delivery always carries the newest state.
type Assembler struct {
	store    *Store
	debounce time.Duration
	now      func() time.Time

	mu      sync.Mutex
	enabled bool
	subs    map[uint64]func(State)
	nextSub uint64
	timer   *time.Timer
	closed  bool

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewAssembler creates an [Assembler] whose store corrects chunks through
// oracle. Call [Assembler.Close] to release its delivery goroutine.
func NewAssembler(oracle Oracle, opts ...AssemblerOption) *Assembler {
	cfg := assemblerConfig{debounce: defaultDebounce, now: time.Now}
	for _, o := range opts {
		o(&cfg)
	}

	a := &Assembler{
		debounce: cfg.debounce,
		now:      cfg.now,
		enabled:  !cfg.disabled,
		subs:     make(map[uint64]func(State)),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	storeOpts := append(slices.Clone(cfg.storeOpts), WithChangeHook(a.notify))
	a.store = NewStore(oracle, storeOpts...)

	a.wg.Add(1)
	go a.deliverLoop()
	return a
}

// Store returns the underlying store.
func (a *Assembler) Store() *Store { return a.store }

// Add ingests a fragment. It returns ("", false) when the assembler is
// disabled or the text is empty. The data is updated immediately; the
// notification is debounced.
func (a *Assembler) Add(text string, isFinal bool) (string, bool) {
	if !a.Enabled() {
		return "", false
	}
	id, ok := a.store.Add(text, isFinal)
	if ok {
		a.schedule()
	}
	return id, ok
}

// schedule (re)starts the debounce timer.
func (a *Assembler) schedule() {
	if a.debounce == 0 {
		a.notify()
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.timer == nil {
		a.timer = time.AfterFunc(a.debounce, a.notify)
		return
	}
	a.timer.Reset(a.debounce)
}

// notify requests a delivery without waiting for it.
func (a *Assembler) notify() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

func (a *Assembler) deliverLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case <-a.kick:
		}

		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return
		}
		ids := make([]uint64, 0, len(a.subs))
		for id := range a.subs {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		fns := make([]func(State), len(ids))
		for i, id := range ids {
			fns[i] = a.subs[id]
		}
		a.mu.Unlock()

		if len(fns) == 0 {
			continue
		}
		st := a.State()
		for _, fn := range fns {
			deliver(fn, st)
		}
	}
}

// deliver calls fn, recovering a panic so other subscribers still run.
func deliver(fn func(State), st State) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("transcript: subscriber panicked", "panic", r)
		}
	}()
	fn(st)
}

// Subscribe registers fn for state deliveries and returns a function that
// removes it again. The returned function is safe to call more than once.
func (a *Assembler) Subscribe(fn func(State)) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	if !a.closed {
		a.subs[id] = fn
	}
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
		})
	}
}

// Clear drops the transcript and notifies subscribers immediately.
func (a *Assembler) Clear() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()
	a.store.Clear()
	a.notify()
}

// SetEnabled toggles ingestion. A disabled assembler drops input.
func (a *Assembler) SetEnabled(enabled bool) {
	a.mu.Lock()
	changed := a.enabled != enabled
	a.enabled = enabled
	a.mu.Unlock()
	if changed {
		a.notify()
	}
}

// Enabled reports whether ingestion is enabled.
func (a *Assembler) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// State returns the current snapshot. All fields are read under a single
// store lock so they are mutually consistent.
func (a *Assembler) State() State {
	enabled := a.Enabled()

	s := a.store
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		RawTranscript:       s.rawLocked(),
		ProcessedTranscript: s.processedLocked(),
		Chunks:              s.chunksLocked(),
		IsProcessing:        s.processing > 0,
		Stats:               s.statsLocked(),
		Enabled:             enabled,
	}
}

// Flush starts correcting every pending chunk.
func (a *Assembler) Flush() int { return a.store.Flush() }

// Wait blocks until no correction is in flight or ctx ends.
func (a *Assembler) Wait(ctx context.Context) error { return a.store.Wait(ctx) }

// ReprocessAll re-corrects the whole transcript sequentially.
func (a *Assembler) ReprocessAll(ctx context.Context) error { return a.store.ReprocessAll(ctx) }

// Close stops the debounce timer and the delivery goroutine and drops every
// subscriber. In-flight corrections still complete into the store.
func (a *Assembler) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
	}
	a.subs = make(map[uint64]func(State))
	a.mu.Unlock()

	close(a.done)
	a.wg.Wait()
}
