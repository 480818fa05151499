package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/MrWong99/voxnote/internal/observe"
	"github.com/MrWong99/voxnote/internal/resilience"
	"github.com/MrWong99/voxnote/internal/voicecmd"
	"github.com/MrWong99/voxnote/pkg/store"
)

// maxBodyBytes caps JSON request bodies. Command requests carry the whole
// document.
const maxBodyBytes = 4 << 20

type fragmentRequest struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

type fragmentResponse struct {
	ChunkID  string `json:"chunk_id,omitempty"`
	Accepted bool   `json:"accepted"`
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

type commandRequest struct {
	Text       string             `json:"text"`
	Confidence float64            `json:"confidence"`
	Content    string             `json:"content"`
	Selection  voicecmd.Selection `json:"selection"`
}

type commandResponse struct {
	Acted   bool   `json:"acted"`
	Content string `json:"content"`
}

type oracleStatus struct {
	Available bool              `json:"available"`
	Backends  map[string]string `json:"backends,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", a.handleCreateSession)
	mux.HandleFunc("POST /v1/sessions/{id}/fragments", a.handleFragment)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", a.handleTranscript)
	mux.HandleFunc("DELETE /v1/sessions/{id}/transcript", a.handleClear)
	mux.HandleFunc("PUT /v1/sessions/{id}/enabled", a.handleEnabled)
	mux.HandleFunc("GET /v1/sessions/{id}/export", a.handleExport)
	mux.HandleFunc("POST /v1/sessions/{id}/flush", a.handleFlush)
	mux.HandleFunc("POST /v1/sessions/{id}/reprocess", a.handleReprocess)
	mux.HandleFunc("POST /v1/sessions/{id}/save", a.handleSave)
	mux.HandleFunc("POST /v1/sessions/{id}/commands", a.handleCommand)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleEvents)
	mux.HandleFunc("GET /v1/sessions/{id}/audio", a.handleAudio)
	mux.HandleFunc("GET /v1/oracle/status", a.handleOracleStatus)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return mux
}

func (a *App) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.sessions.Get(uuid.NewString())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": sess.ID})
}

func (a *App) handleFragment(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	var req fragmentRequest
	if !decode(w, r, &req) {
		return
	}
	id, accepted := sess.Assembler.Add(req.Text, req.IsFinal)
	writeJSON(w, http.StatusOK, fragmentResponse{ChunkID: id, Accepted: accepted})
}

func (a *App) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Assembler.State())
}

func (a *App) handleClear(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	sess.Assembler.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleEnabled(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	var req enabledRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	sess.Assembler.SetEnabled(*req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": sess.Assembler.Enabled()})
}

func (a *App) handleExport(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	body, err := sess.Assembler.Export().JSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="transcript-%s.json"`, sess.ID))
	_, _ = w.Write(body)
}

func (a *App) handleFlush(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"flushed": sess.Assembler.Flush()})
}

// handleReprocess re-corrects every chunk and answers once all corrections
// have settled.
func (a *App) handleReprocess(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	if err := sess.Assembler.ReprocessAll(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess.Assembler.State())
}

func (a *App) handleSave(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}

	exp := sess.Assembler.Export()
	rec := store.Record{
		Content: exp.ProcessedTranscript,
		Provenance: store.Provenance{
			SessionID:         sess.ID,
			Source:            store.SourceVoxnote,
			RawTranscript:     exp.RawTranscript,
			ChunkCount:        exp.Metadata.TotalChunks,
			AverageConfidence: exp.Metadata.AverageConfidence,
			ExportedAt:        exp.Metadata.ExportedAt,
		},
	}
	err := a.store.Save(r.Context(), rec)
	switch {
	case errors.Is(err, store.ErrEmptyContent):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		observe.Logger(r.Context()).Error("app: save transcript failed", "session", sess.ID, "err", err)
		writeError(w, http.StatusBadGateway, "save failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

func (a *App) handleCommand(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.session(w, r)
	if !ok {
		return
	}
	var req commandRequest
	if !decode(w, r, &req) {
		return
	}
	acted, content := sess.Command(r.Context(), req.Text, req.Confidence, req.Content, req.Selection)
	writeJSON(w, http.StatusOK, commandResponse{Acted: acted, Content: content})
}

func (a *App) handleOracleStatus(w http.ResponseWriter, r *http.Request) {
	st := oracleStatus{Available: a.corrector.Available(r.Context())}
	if fb, ok := a.providers.Oracle.(*resilience.LLMFallback); ok {
		st.Backends = make(map[string]string)
		for name, state := range fb.States() {
			st.Backends[name] = state.String()
		}
	}
	writeJSON(w, http.StatusOK, st)
}

// session resolves the {id} path value, creating the session on first use.
func (a *App) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	sess, err := a.sessions.Get(r.PathValue("id"))
	switch {
	case errors.Is(err, ErrInvalidSessionID):
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	}
	return sess, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
