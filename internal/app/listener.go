package app

import (
	"context"
	"log/slog"

	"github.com/MrWong99/voxnote/pkg/provider/stt"
)

// Listener receives the lifecycle of one speech stream. Pump calls it from a
// single goroutine.
type Listener interface {
	OnOpen()
	OnFragment(text string, isFinal bool, confidence float64)
	OnClose()
	OnError(err error)
}

// Pump drains h into l until both transcript channels are closed or ctx is
// done. OnOpen is called first and OnClose last. If h reports a terminal
// error it is passed to OnError before OnClose.
func Pump(ctx context.Context, h stt.SessionHandle, l Listener) {
	l.OnOpen()
	defer l.OnClose()

	partials, finals := h.Partials(), h.Finals()
	for partials != nil || finals != nil {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			l.OnFragment(t.Text, false, t.Confidence)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			l.OnFragment(t.Text, true, t.Confidence)
		}
	}

	if r, ok := h.(stt.ErrorReporter); ok {
		if err := r.Err(); err != nil {
			l.OnError(err)
		}
	}
}

// sessionListener feeds finals into a session assembler. Every Add creates a
// chunk, so interim results are only remembered; the latest one is added as
// a non-final chunk if the stream ends before a final replaces it.
type sessionListener struct {
	sess    *Session
	log     *slog.Logger
	interim string
}

var _ Listener = (*sessionListener)(nil)

func newSessionListener(sess *Session, log *slog.Logger) *sessionListener {
	return &sessionListener{sess: sess, log: log.With("session", sess.ID)}
}

func (l *sessionListener) OnOpen() { l.log.Debug("app: speech stream opened") }

func (l *sessionListener) OnFragment(text string, isFinal bool, _ float64) {
	if !isFinal {
		l.interim = text
		return
	}
	l.interim = ""
	l.sess.Assembler.Add(text, true)
}

func (l *sessionListener) OnClose() {
	if l.interim != "" {
		l.sess.Assembler.Add(l.interim, false)
		l.interim = ""
	}
	l.log.Debug("app: speech stream closed")
}

func (l *sessionListener) OnError(err error) {
	l.log.Warn("app: speech stream failed", "err", err)
}
