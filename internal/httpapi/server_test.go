package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forPelevin/vidsum/internal/chat"
	"github.com/forPelevin/vidsum/internal/faults"
	"github.com/forPelevin/vidsum/internal/jobs"
	"github.com/forPelevin/vidsum/internal/llm"
	"github.com/forPelevin/vidsum/internal/types"
	"github.com/forPelevin/vidsum/internal/usecase"
)

// handlerFunc adapts two funcs to jobs.Handler.
type handlerFunc struct {
	prepare func(ctx context.Context, input any) (jobs.Plan, error)
	run     func(ctx context.Context, plan jobs.Plan, p jobs.Progress) (any, error)
}

func (h handlerFunc) Prepare(ctx context.Context, input any) (jobs.Plan, error) {
	return h.prepare(ctx, input)
}

func (h handlerFunc) Run(ctx context.Context, plan jobs.Plan, p jobs.Progress) (any, error) {
	return h.run(ctx, plan, p)
}

type fakeGateway struct{ chunks []string }

func (g fakeGateway) Resolve(sel llm.Selection) (llm.Selection, error) {
	if sel.Provider == "" {
		sel.Provider = "fake"
	}
	return sel, nil
}

func (g fakeGateway) ChatTurn(ctx context.Context, history []types.ChatMessage, message string, sel llm.Selection) (<-chan llm.StreamEvent, error) {
	out := make(chan llm.StreamEvent, len(g.chunks)+1)
	for _, c := range g.chunks {
		out <- llm.StreamEvent{Text: c}
	}
	out <- llm.StreamEvent{Done: true}
	close(out)
	return out, nil
}

type fakeTranscripts struct{}

func (fakeTranscripts) Transcript(ctx context.Context, ref usecase.TranscriptRef) (types.Transcript, string, error) {
	if ref.Fingerprint == "" && ref.Transcript == "" {
		return types.Transcript{}, "", faults.New(faults.InvalidInput, "resolve transcript", "fingerprint or transcript is required")
	}
	return types.Transcript{Segments: []types.Segment{{Start: 0, End: 5, Text: "hello"}}}, "fp:1", nil
}

type env struct {
	srv     *httptest.Server
	orch    *jobs.Orchestrator
	mu      sync.Mutex
	uploads []string
	release chan struct{}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{release: make(chan struct{})}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	transcribe := handlerFunc{
		prepare: func(ctx context.Context, input any) (jobs.Plan, error) {
			in := input.(usecase.TranscribeInput)
			key := in.Source.URL
			if in.Source.Upload != nil {
				b, err := io.ReadAll(in.Source.Upload)
				if err != nil {
					return jobs.Plan{}, err
				}
				e.mu.Lock()
				e.uploads = append(e.uploads, in.Source.FileName+":"+string(b))
				e.mu.Unlock()
				key = "upload:" + string(b)
			}
			if key == "" {
				return jobs.Plan{}, faults.New(faults.InvalidInput, "transcribe", "file or url is required")
			}
			return jobs.Plan{Key: key, Fingerprint: key}, nil
		},
		run: func(ctx context.Context, plan jobs.Plan, p jobs.Progress) (any, error) {
			select {
			case <-e.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return usecase.TranscribeOutput{Fingerprint: plan.Fingerprint}, nil
		},
	}
	summarize := handlerFunc{
		prepare: func(ctx context.Context, input any) (jobs.Plan, error) {
			in := input.(usecase.SummarizeInput)
			return jobs.Plan{
				Key:         "summarize|" + in.Fingerprint,
				Fingerprint: in.Fingerprint,
				Cached:      usecase.SummarizeOutput{Fingerprint: in.Fingerprint, Summary: types.Summary{Text: "stored"}},
			}, nil
		},
		run: func(ctx context.Context, plan jobs.Plan, p jobs.Progress) (any, error) {
			return nil, errors.New("must not run")
		},
	}

	e.orch = jobs.New(log, jobs.Options{Workers: 1}, map[jobs.Kind]jobs.Handler{
		jobs.KindTranscribe: transcribe,
		jobs.KindSummarize:  summarize,
	})
	e.orch.Start()

	s := New(Deps{
		Jobs:        e.orch,
		Chat:        chat.NewStore(fakeGateway{chunks: []string{"Hel", "lo\nthere"}}, log),
		Transcripts: fakeTranscripts{},
		Log:         log,
	})
	e.srv = httptest.NewServer(s.Router())
	t.Cleanup(func() {
		e.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.orch.Shutdown(ctx)
	})
	return e
}

func (e *env) do(t *testing.T, method, path, contentType string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func (e *env) postJSON(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	return e.do(t, http.MethodPost, path, "application/json", strings.NewReader(body))
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}

func TestTranscribe_URLThenPoll(t *testing.T) {
	e := newEnv(t)

	resp, body := e.postJSON(t, "/api/jobs/transcribe", `{"url":"https://youtu.be/abc","language":"en"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	id := decode[submitResponse](t, body).JobID
	if id == "" {
		t.Fatalf("missing job id: %s", body)
	}

	resp, body = e.do(t, http.MethodGet, "/api/jobs/"+id, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll status %d", resp.StatusCode)
	}
	if st := decode[jobs.Job](t, body).State; st.Terminal() {
		t.Fatalf("job should still be in flight, got %s", st)
	}

	close(e.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.orch.Wait(ctx, id, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	_, body = e.do(t, http.MethodGet, "/api/jobs/"+id, "", nil)
	j := decode[jobs.Job](t, body)
	if j.State != jobs.StateCompleted || j.Output == nil {
		t.Fatalf("unexpected job %s", body)
	}

	// completed jobs cannot be cancelled
	resp, body = e.do(t, http.MethodDelete, "/api/jobs/"+id, "", nil)
	if resp.StatusCode != http.StatusConflict || !strings.Contains(string(body), "not_cancellable") {
		t.Fatalf("expected 409 not_cancellable, got %d %s", resp.StatusCode, body)
	}
}

func TestTranscribe_MultipartUpload(t *testing.T) {
	e := newEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "talk.mp4")
	_, _ = fw.Write([]byte("video-bytes"))
	_ = mw.WriteField("language", "de")
	_ = mw.Close()

	resp, body := e.do(t, http.MethodPost, "/api/jobs/transcribe", mw.FormDataContentType(), &buf)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.uploads) != 1 || e.uploads[0] != "talk.mp4:video-bytes" {
		t.Fatalf("upload not handed to the job: %v", e.uploads)
	}
}

func TestCancelRunningJob(t *testing.T) {
	e := newEnv(t)
	_, body := e.postJSON(t, "/api/jobs/transcribe", `{"url":"https://youtu.be/xyz"}`)
	id := decode[submitResponse](t, body).JobID

	resp, _ := e.do(t, http.MethodDelete, "/api/jobs/"+id, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	j, err := e.orch.Wait(ctx, id, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if j.State != jobs.StateFailed || j.Error.Kind != faults.Cancelled {
		t.Fatalf("expected failed/cancelled, got %+v", j)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid input from prepare", "/api/jobs/transcribe", `{"url":""}`, http.StatusBadRequest},
		{"malformed json", "/api/jobs/transcribe", `{"url":`, http.StatusBadRequest},
		{"unknown field", "/api/jobs/summarize", `{"fingerprint":"x","bogus":1}`, http.StatusBadRequest},
		{"unknown kind", "/api/jobs/clips", `{"fingerprint":"x","count":2}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := e.postJSON(t, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status %d, want %d: %s", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestSummarize_CachedReturnsOutput(t *testing.T) {
	e := newEnv(t)
	resp, body := e.postJSON(t, "/api/jobs/summarize", `{"fingerprint":"sha256:1","output_language":"english"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	got := decode[submitResponse](t, body)
	if !got.Cached || !strings.Contains(string(body), `"stored"`) {
		t.Fatalf("expected cached output, got %s", body)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.do(t, http.MethodGet, "/api/jobs/missing", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func startChat(t *testing.T, e *env) string {
	t.Helper()
	resp, body := e.postJSON(t, "/api/chat", `{"fingerprint":"fp:1"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start chat %d: %s", resp.StatusCode, body)
	}
	return decode[map[string]string](t, body)["session_id"]
}

func TestChat_SSE(t *testing.T) {
	e := newEnv(t)
	id := startChat(t, e)

	resp, body := e.postJSON(t, "/api/chat/"+id+"/messages", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, resp.Header)
	}

	var (
		data  []string
		ended bool
	)
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "event: end":
			ended = true
		case strings.HasPrefix(line, "data: ") && !ended:
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	if !ended {
		t.Fatalf("stream missing end event: %s", body)
	}
	if got := strings.Join(data, "|"); got != "Hel|lo|there" {
		t.Fatalf("unexpected data lines %q", got)
	}

	_, body = e.do(t, http.MethodGet, "/api/chat/"+id, "", nil)
	h := decode[historyResponse](t, body)
	if len(h.Messages) != 2 || h.Messages[1].Content != "Hello\nthere" {
		t.Fatalf("unexpected history %+v", h.Messages)
	}
}

func TestChat_StartAndSendErrors(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.postJSON(t, "/api/chat", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("start without transcript: %d", resp.StatusCode)
	}
	resp, _ = e.postJSON(t, "/api/chat/nope/messages", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session: %d", resp.StatusCode)
	}
	id := startChat(t, e)
	resp, _ = e.postJSON(t, "/api/chat/"+id+"/messages", `{"message":"  "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message: %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodDelete, "/api/chat/"+id, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("end: %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, "/api/chat/"+id, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ended session still visible: %d", resp.StatusCode)
	}
}

func TestChat_WebSocket(t *testing.T) {
	e := newEnv(t)
	id := startChat(t, e)

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/chat/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for round := 0; round < 2; round++ {
		if err := conn.WriteJSON(messageRequest{Message: "hi"}); err != nil {
			t.Fatal(err)
		}
		var text strings.Builder
		for {
			var ev wsEvent
			if err := conn.ReadJSON(&ev); err != nil {
				t.Fatalf("read: %v", err)
			}
			if ev.Type == "end" {
				break
			}
			if ev.Type != "chunk" {
				t.Fatalf("unexpected frame %+v", ev)
			}
			text.WriteString(ev.Text)
		}
		if text.String() != "Hello\nthere" {
			t.Fatalf("round %d: got %q", round, text.String())
		}
	}

	if err := conn.WriteJSON(messageRequest{Message: ""}); err != nil {
		t.Fatal(err)
	}
	var ev wsEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "error" || ev.Error == nil || ev.Error.Kind != faults.InvalidInput {
		t.Fatalf("expected invalid_input error frame, got %+v", ev)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
		kind faults.Kind
	}{
		{jobs.ErrNotFound, http.StatusNotFound, "not_found"},
		{chat.ErrNotFound, http.StatusNotFound, "not_found"},
		{jobs.ErrNotCancellable, http.StatusConflict, "not_cancellable"},
		{chat.ErrBusy, http.StatusConflict, "busy"},
		{faults.New(faults.InvalidInput, "x", "y"), http.StatusBadRequest, faults.InvalidInput},
		{faults.New(faults.LLMFatal, "x", "y"), http.StatusBadGateway, faults.LLMFatal},
		{errors.New("boom"), http.StatusInternalServerError, faults.Internal},
	}
	for _, tt := range tests {
		code, kind := statusFor(tt.err)
		if code != tt.code || kind != tt.kind {
			t.Fatalf("statusFor(%v) = %d %s, want %d %s", tt.err, code, kind, tt.code, tt.kind)
		}
	}
}
