package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxnote/internal/config"
	"github.com/MrWong99/voxnote/internal/observe"
	"github.com/MrWong99/voxnote/internal/transcript"
	"github.com/MrWong99/voxnote/internal/voicecmd"
	"github.com/MrWong99/voxnote/pkg/provider/llm"
	"github.com/MrWong99/voxnote/pkg/store"
)

var (
	// ErrInvalidSessionID is returned for ids outside [A-Za-z0-9._-]{1,128}.
	ErrInvalidSessionID = errors.New("app: invalid session id")

	// ErrClosed is returned by a [SessionManager] after Close.
	ErrClosed = errors.New("app: session manager closed")
)

var sessionIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Settings are the tunables applied to sessions created from now on.
// Running sessions keep the settings they were created with.
type Settings struct {
	Assembler config.AssemblerConfig
	Commands  config.CommandsConfig
}

// Session is one transcript with its command document.
type Session struct {
	// ID is the caller-chosen or generated session id.
	ID string

	// CreatedAt is when the session was first used.
	CreatedAt time.Time

	// Assembler owns the transcript.
	Assembler *transcript.Assembler

	// cmdMu serialises commands so each one sees the snapshot it loaded.
	cmdMu    sync.Mutex
	doc      *voicecmd.Snapshot
	commands *voicecmd.Interpreter

	// Guarded by SessionManager.mu.
	lastSeen time.Time
	refs     int
}

// Command loads content and sel into the session document, submits text to
// the interpreter and returns whether the document changed together with its
// resulting content.
func (s *Session) Command(ctx context.Context, text string, confidence float64, content string, sel voicecmd.Selection) (bool, string) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	s.doc.Load(content, sel)
	acted := s.commands.Submit(ctx, voicecmd.Fragment{
		Text:       text,
		Timestamp:  time.Now(),
		Confidence: confidence,
	})
	return acted, s.doc.Content()
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Oracle corrects transcript chunks. Required.
	Oracle transcript.Oracle

	// Commands is the rewrite backend of the command interpreter. Nil limits
	// commands to local patterns.
	Commands llm.Provider

	// Usage, if set, receives per-session oracle usage.
	Usage store.UsageRecorder

	Metrics *observe.Metrics

	// TTL is the idle time after which a session is evicted. Default: 30m.
	TTL time.Duration

	Settings Settings
}

// SessionManager creates sessions on first use and evicts idle ones.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	oracle   transcript.Oracle
	commands llm.Provider
	usage    store.UsageRecorder
	metrics  *observe.Metrics
	ttl      time.Duration
	now      func() time.Time
	settings atomic.Pointer[Settings]

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		oracle:   cfg.Oracle,
		commands: cfg.Commands,
		usage:    cfg.Usage,
		metrics:  cfg.Metrics,
		ttl:      cfg.TTL,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.ttl <= 0 {
		sm.ttl = config.DefaultSessionTTL
	}
	settings := cfg.Settings
	sm.settings.Store(&settings)
	return sm
}

// Apply replaces the settings used for new sessions.
func (sm *SessionManager) Apply(s Settings) {
	sm.settings.Store(&s)
}

// Get returns the session with id, creating it on first use.
func (sm *SessionManager) Get(id string) (*Session, error) {
	if !sessionIDRe.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return nil, ErrClosed
	}
	now := sm.now()
	if s, ok := sm.sessions[id]; ok {
		s.lastSeen = now
		return s, nil
	}

	s := sm.newSession(id, now)
	sm.sessions[id] = s
	sm.metrics.ActiveSessions.Add(context.Background(), 1)
	slog.Info("app: session created", "session", id)
	return s, nil
}

// Acquire is like Get but pins the session against eviction until release
// is called. Long-lived connections use it.
func (sm *SessionManager) Acquire(id string) (s *Session, release func(), err error) {
	s, err = sm.Get(id)
	if err != nil {
		return nil, nil, err
	}
	sm.mu.Lock()
	s.refs++
	sm.mu.Unlock()

	var once sync.Once
	release = func() {
		once.Do(func() {
			sm.mu.Lock()
			s.refs--
			s.lastSeen = sm.now()
			sm.mu.Unlock()
		})
	}
	return s, release, nil
}

// Lookup returns the session with id without creating it.
func (sm *SessionManager) Lookup(id string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	if ok {
		s.lastSeen = sm.now()
	}
	return s, ok
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Evict closes every unpinned session idle for longer than the TTL and
// returns how many were removed.
func (sm *SessionManager) Evict() int {
	sm.mu.Lock()
	cutoff := sm.now().Add(-sm.ttl)
	var idle []*Session
	for id, s := range sm.sessions {
		if s.refs == 0 && s.lastSeen.Before(cutoff) {
			idle = append(idle, s)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, s := range idle {
		s.Assembler.Close()
		sm.metrics.ActiveSessions.Add(context.Background(), -1)
		slog.Info("app: session evicted", "session", s.ID, "age", time.Since(s.CreatedAt).Round(time.Second))
	}
	return len(idle)
}

// Run evicts idle sessions periodically until ctx is done.
func (sm *SessionManager) Run(ctx context.Context) error {
	interval := max(sm.ttl/4, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sm.Evict()
		}
	}
}

// Close closes every session. Get fails afterwards.
func (sm *SessionManager) Close() {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return
	}
	sm.closed = true
	all := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		all = append(all, s)
	}
	sm.sessions = make(map[string]*Session)
	sm.mu.Unlock()

	for _, s := range all {
		s.Assembler.Close()
		sm.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

func (sm *SessionManager) newSession(id string, now time.Time) *Session {
	set := sm.settings.Load()

	oracle := sm.oracle
	commands := sm.commands
	if sm.usage != nil {
		oracle = &usageOracle{next: oracle, rec: sm.usage, sessionID: id}
		if commands != nil {
			commands = &usageProvider{Provider: commands, rec: sm.usage, sessionID: id}
		}
	}

	asm := transcript.NewAssembler(oracle,
		transcript.WithDebounce(set.Assembler.Debounce),
		transcript.WithEnabled(set.Assembler.IsEnabled()),
		transcript.WithStoreOptions(
			transcript.WithProcessThreshold(set.Assembler.ProcessThreshold),
			transcript.WithMaxContextChars(set.Assembler.MaxContextChars),
			transcript.WithStoreMetrics(sm.metrics),
		),
	)

	doc := voicecmd.NewSnapshot("", voicecmd.Selection{})
	opts := []voicecmd.Option{voicecmd.WithMetrics(sm.metrics)}
	if c := set.Commands; c != (config.CommandsConfig{}) {
		opts = append(opts,
			voicecmd.WithBufferCeiling(c.BufferCeiling),
			voicecmd.WithSnapshotChars(c.SnapshotChars),
			voicecmd.WithHistory(c.History),
			voicecmd.WithKeepWords(c.TrailingWords()),
		)
		if c.MaxTokens > 0 {
			opts = append(opts, voicecmd.WithMaxTokens(c.MaxTokens))
		}
	}

	return &Session{
		ID:        id,
		CreatedAt: now,
		Assembler: asm,
		doc:       doc,
		commands:  voicecmd.New(doc, commands, opts...),
		lastSeen:  now,
	}
}
