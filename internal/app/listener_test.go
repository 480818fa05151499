package app

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxnote/internal/transcript"
	"github.com/MrWong99/voxnote/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxnote/pkg/provider/stt/mock"
)

type recordingListener struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (l *recordingListener) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recordingListener) OnOpen()  { l.add("open") }
func (l *recordingListener) OnClose() { l.add("close") }

func (l *recordingListener) OnFragment(text string, isFinal bool, _ float64) {
	if isFinal {
		l.add("final:" + text)
		return
	}
	l.add("partial:" + text)
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
	l.add("error")
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

func TestPump_DeliversUntilClosed(t *testing.T) {
	t.Parallel()

	sess := sttmock.NewSession()
	sess.PartialsCh <- stt.Transcript{Text: "hel"}
	sess.FinalsCh <- stt.Transcript{Text: "hello", IsFinal: true}
	drop := errors.New("connection dropped")
	sess.End(drop)

	l := &recordingListener{}
	Pump(context.Background(), sess, l)

	got := l.snapshot()
	if len(got) != 5 {
		t.Fatalf("events = %v, want 5", got)
	}
	if got[0] != "open" || got[3] != "error" || got[4] != "close" {
		t.Errorf("events = %v, want open first and error, close last", got)
	}
	// The two channels are drained concurrently, so their order is free.
	middle := slices.Sorted(slices.Values(got[1:3]))
	if !slices.Equal(middle, []string{"final:hello", "partial:hel"}) {
		t.Errorf("fragments = %v", middle)
	}
	if len(l.errs) != 1 || !errors.Is(l.errs[0], drop) {
		t.Errorf("errors = %v, want [%v]", l.errs, drop)
	}
}

func TestPump_StopsOnCancel(t *testing.T) {
	t.Parallel()

	sess := sttmock.NewSession()
	t.Cleanup(func() { sess.End(nil) })
	ctx, cancel := context.WithCancel(context.Background())
	l := &recordingListener{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		Pump(ctx, sess, l)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Pump did not return after cancel")
	}
	if got := l.snapshot(); !slices.Equal(got, []string{"open", "close"}) {
		t.Errorf("events = %v, want [open close]", got)
	}
}

func TestSessionListener_FinalsOnly(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		fragments []stt.Transcript
		wantRaw   string
		wantFinal []bool
	}{
		{
			name: "partials are superseded by the final",
			fragments: []stt.Transcript{
				{Text: "hel"}, {Text: "hello wor"}, {Text: "hello world", IsFinal: true},
			},
			wantRaw:   "hello world",
			wantFinal: []bool{true},
		},
		{
			name: "trailing partial kept on close",
			fragments: []stt.Transcript{
				{Text: "first", IsFinal: true}, {Text: "sec"}, {Text: "second th"},
			},
			wantRaw:   "first second th",
			wantFinal: []bool{true, false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			asm := transcript.NewAssembler(nil, transcript.WithDebounce(0))
			t.Cleanup(asm.Close)
			l := newSessionListener(&Session{ID: "s", Assembler: asm}, slog.Default())

			l.OnOpen()
			for _, f := range tt.fragments {
				l.OnFragment(f.Text, f.IsFinal, 0.9)
			}
			l.OnClose()

			if got := asm.Store().RawTranscript(); got != tt.wantRaw {
				t.Errorf("raw = %q, want %q", got, tt.wantRaw)
			}
			var finals []bool
			for _, c := range asm.Store().Chunks() {
				finals = append(finals, c.IsFinal)
			}
			if !slices.Equal(finals, tt.wantFinal) {
				t.Errorf("chunk finals = %v, want %v", finals, tt.wantFinal)
			}
		})
	}
}
