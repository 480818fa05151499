package app

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxnote/internal/observe"
	"github.com/MrWong99/voxnote/internal/transcript"
	"github.com/MrWong99/voxnote/pkg/provider/stt"
)

const (
	writeTimeout = 5 * time.Second

	// audioReadLimit is the largest accepted audio frame.
	audioReadLimit = 1 << 20
)

// acquire pins the {id} session for a websocket handler.
func (a *App) acquire(w http.ResponseWriter, r *http.Request) (*Session, func(), bool) {
	sess, release, err := a.sessions.Acquire(r.PathValue("id"))
	switch {
	case errors.Is(err, ErrInvalidSessionID):
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, nil, false
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return nil, nil, false
	}
	return sess, release, true
}

// handleEvents pushes the session state on connect and after every
// subscriber delivery. A slow client only ever receives the latest state.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, release, ok := a.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: a.originPatterns})
	if err != nil {
		return
	}
	defer c.CloseNow()

	// Client messages are not expected; CloseRead handles control frames and
	// cancels ctx when the client goes away.
	ctx := c.CloseRead(r.Context())

	latest := make(chan transcript.State, 1)
	unsubscribe := sess.Assembler.Subscribe(func(st transcript.State) {
		for {
			select {
			case latest <- st:
				return
			default:
			}
			select {
			case <-latest:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := writeState(ctx, c, sess.Assembler.State()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			c.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case st := <-latest:
			if err := writeState(ctx, c, st); err != nil {
				observe.Logger(r.Context()).Debug("app: events client dropped", "session", sess.ID, "err", err)
				return
			}
		}
	}
}

func writeState(ctx context.Context, c *websocket.Conn, st transcript.State) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, st)
}

// handleAudio forwards binary frames to a speech stream and feeds its
// transcripts into the session. Query parameters encoding, sample_rate,
// channels and language describe the audio.
func (a *App) handleAudio(w http.ResponseWriter, r *http.Request) {
	if a.providers.STT == nil {
		writeError(w, http.StatusServiceUnavailable, "no speech provider configured")
		return
	}
	cfg, err := streamConfig(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, release, ok := a.acquire(w, r)
	if !ok {
		return
	}
	defer release()

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: a.originPatterns})
	if err != nil {
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(audioReadLimit)

	log := observe.Logger(r.Context())
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h, err := a.providers.STT.StartStream(ctx, cfg)
	if err != nil {
		log.Warn("app: start speech stream failed", "session", sess.ID, "err", err)
		c.Close(websocket.StatusInternalError, "speech provider unavailable")
		return
	}

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		Pump(ctx, h, newSessionListener(sess, log))
	}()

	go func() {
		select {
		case <-a.done:
			c.Close(websocket.StatusGoingAway, "server shutting down")
		case <-ctx.Done():
		}
	}()

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			break
		}
		if typ != websocket.MessageBinary {
			continue
		}
		if err := h.SendAudio(data); err != nil {
			log.Warn("app: forward audio failed", "session", sess.ID, "err", err)
			break
		}
	}

	// Closing the handle flushes the last finals and closes its channels,
	// which ends the pump.
	if err := h.Close(); err != nil {
		log.Debug("app: close speech stream", "session", sess.ID, "err", err)
	}
	<-pumped
	c.Close(websocket.StatusNormalClosure, "")
}

func streamConfig(r *http.Request) (stt.StreamConfig, error) {
	q := r.URL.Query()
	cfg := stt.StreamConfig{
		Encoding: q.Get("encoding"),
		Language: q.Get("language"),
		Channels: 1,
	}
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, errors.New("sample_rate must be a positive integer")
		}
		cfg.SampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, errors.New("channels must be a positive integer")
		}
		cfg.Channels = n
	}
	return cfg, nil
}
