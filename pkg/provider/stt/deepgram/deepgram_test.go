package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxnote/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()

	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{Channels: 1})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "host", "api.deepgram.com", u.Host)
	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "smart_format", "true", q.Get("smart_format"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	if q.Has("encoding") || q.Has("sample_rate") {
		t.Errorf("containerised audio must not set encoding or sample_rate: %v", q)
	}
}

func TestBuildURL_Options(t *testing.T) {
	t.Parallel()

	p, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithSmartFormat(false), WithEndpoint("ws://localhost:9000/v1/listen"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(stt.StreamConfig{Encoding: "linear16", SampleRate: 48000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()
	assertEqual(t, "host", "localhost:9000", u.Host)
	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "smart_format", "false", q.Get("smart_format"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
}

func TestBuildURL_LanguageOverriddenByCfg(t *testing.T) {
	t.Parallel()

	p, err := New("key", WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(stt.StreamConfig{Language: "fr-FR"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	assertEqual(t, "language", "fr-FR", u.Query().Get("language"))
}

func TestBuildURL_Keywords(t *testing.T) {
	t.Parallel()

	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(stt.StreamConfig{Keywords: []stt.KeywordBoost{
		{Keyword: "Kubernetes", Boost: 5},
		{Keyword: "voxnote", Boost: 3.5},
	}})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	kws := u.Query()["keywords"]
	found := map[string]bool{}
	for _, kw := range kws {
		found[kw] = true
	}
	if len(kws) != 2 || !found["Kubernetes:5"] || !found["voxnote:3.5"] {
		t.Errorf("keywords = %v", kws)
	}
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse_Final(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"type": "Results",
		"is_final": true,
		"start": 1.5,
		"duration": 0.9,
		"channel": {
			"alternatives": [{
				"transcript": "Hello world",
				"confidence": 0.95,
				"words": [
					{"word": "Hello", "start": 0.1, "end": 0.5, "confidence": 0.97},
					{"word": "world", "start": 0.6, "end": 1.0, "confidence": 0.93}
				]
			}]
		}
	}`)

	tr, ok := parseDeepgramResponse(raw)
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}
	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	assertEqual(t, "text", "Hello world", tr.Text)
	if tr.Confidence != 0.95 {
		t.Errorf("confidence = %f, want 0.95", tr.Confidence)
	}
	if tr.Start != 1500*time.Millisecond {
		t.Errorf("start = %v", tr.Start)
	}
	if len(tr.Words) != 2 || tr.Words[0].Word != "Hello" {
		t.Fatalf("words = %+v", tr.Words)
	}
	if tr.Words[0].Start != seconds(0.1) {
		t.Errorf("word start = %v", tr.Words[0].Start)
	}
}

func TestParseDeepgramResponse_Ignored(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"metadata", `{"type":"Metadata","request_id":"abc"}`},
		{"no alternatives", `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{"invalid json", `{invalid`},
	}
	for _, tt := range tests {
		if _, ok := parseDeepgramResponse([]byte(tt.raw)); ok {
			t.Errorf("%s: expected ok=false", tt.name)
		}
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

// ---- streaming tests against a fake server ----

func result(text string, final bool) string {
	return fmt.Sprintf(`{"type":"Results","is_final":%t,"channel":{"alternatives":[{"transcript":%q,"confidence":0.9}]}}`, final, text)
}

// fakeDeepgram echoes every binary frame as a partial and a final, and
// answers CloseStream with one last final before closing normally.
func fakeDeepgram(t *testing.T, gotAuth chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			gotAuth <- r.Header.Get("Authorization")
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText {
				_ = c.Write(ctx, websocket.MessageText, []byte(result("that is all", true)))
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
			_ = c.Write(ctx, websocket.MessageText, []byte(result(string(data), false)))
			_ = c.Write(ctx, websocket.MessageText, []byte(result(string(data), true)))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen"
}

func next(t *testing.T, ch <-chan stt.Transcript) stt.Transcript {
	t.Helper()
	select {
	case tr, ok := <-ch:
		if !ok {
			t.Fatal("channel closed early")
		}
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a transcript")
		return stt.Transcript{}
	}
}

func TestSession_StreamsPartialsAndFinals(t *testing.T) {
	t.Parallel()

	auth := make(chan string, 1)
	srv := fakeDeepgram(t, auth)
	p, err := New("secret", WithEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatal(err)
	}

	sess, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	assertEqual(t, "authorization", "Token secret", <-auth)

	if err := sess.SendAudio([]byte("hello there")); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if tr := next(t, sess.Partials()); tr.Text != "hello there" || tr.IsFinal {
		t.Errorf("partial = %+v", tr)
	}
	if tr := next(t, sess.Finals()); tr.Text != "hello there" || !tr.IsFinal {
		t.Errorf("final = %+v", tr)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	var finals []string
	for tr := range sess.Finals() {
		finals = append(finals, tr.Text)
	}
	if len(finals) != 1 || finals[0] != "that is all" {
		t.Errorf("finals after Close = %v, want the flushed result", finals)
	}
	if err := sess.(stt.ErrorReporter).Err(); err != nil {
		t.Errorf("Err after clean close = %v", err)
	}
	if err := sess.SendAudio([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrClosed", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestSession_ConnectionDropReportsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.CloseNow()
	}))
	t.Cleanup(srv.Close)

	p, _ := New("key", WithEndpoint(wsURL(srv)))
	sess, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	select {
	case _, ok := <-sess.Finals():
		if ok {
			t.Fatal("unexpected transcript")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("finals channel not closed after connection drop")
	}
	if err := sess.(stt.ErrorReporter).Err(); err == nil {
		t.Error("Err = nil after abrupt drop")
	}
	if err := sess.SendAudio([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("SendAudio = %v, want ErrClosed", err)
	}
}

func TestStartStream_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	p, _ := New("key", WithEndpoint(wsURL(srv)))
	_, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want a 401 dial error", err)
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
